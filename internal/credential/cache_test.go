package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCredentialValid(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		c    Credential
		want bool
	}{
		{"empty", Credential{}, false},
		{"no expiry", Credential{Token: "t"}, true},
		{"fresh", Credential{Token: "t", Expiry: now.Add(time.Hour)}, true},
		{"inside skew", Credential{Token: "t", Expiry: now.Add(10 * time.Second)}, false},
		{"expired", Credential{Token: "t", Expiry: now.Add(-time.Second)}, false},
	}
	for _, tt := range tests {
		if got := tt.c.Valid(now, 30*time.Second); got != tt.want {
			t.Fatalf("%s: Valid() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestGetOrRefreshCachesUntilExpiry(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache(FetcherFunc(func(context.Context) (Credential, error) {
		n := calls.Add(1)
		return Credential{Token: string(rune('a' + n - 1)), Expiry: now.Add(time.Minute)}, nil
	}), WithSkew(10*time.Second))
	c.now = func() time.Time { return now }

	ctx := context.Background()
	first, err := c.GetOrRefresh(ctx)
	require.NoError(t, err)
	second, err := c.GetOrRefresh(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", first.Token)
	require.Equal(t, first, second)
	require.EqualValues(t, 1, calls.Load())

	c.now = func() time.Time { return now.Add(55 * time.Second) }
	third, err := c.GetOrRefresh(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", third.Token)
	require.EqualValues(t, 2, calls.Load())
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	release := make(chan struct{})
	c := NewCache(FetcherFunc(func(context.Context) (Credential, error) {
		calls.Add(1)
		<-release
		return Credential{Token: "shared"}, nil
	}))

	const n = 16
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = c.Token(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "shared", tokens[i])
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := NewCache(FetcherFunc(func(context.Context) (Credential, error) {
		calls.Add(1)
		return Credential{Token: "t"}, nil
	}))
	ctx := context.Background()

	_, err := c.GetOrRefresh(ctx)
	require.NoError(t, err)
	c.Invalidate()
	_, err = c.GetOrRefresh(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestRefreshRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := NewCache(FetcherFunc(func(context.Context) (Credential, error) {
		if calls.Add(1) < 3 {
			return Credential{}, errors.New("connection refused")
		}
		return Credential{Token: "ok"}, nil
	}), withBackoff(time.Millisecond))

	tok, err := c.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", tok)
	require.EqualValues(t, 3, calls.Load())
}

func TestRefreshStopsOnPermanentError(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	denied := errors.New("invalid_client")
	c := NewCache(FetcherFunc(func(context.Context) (Credential, error) {
		calls.Add(1)
		return Credential{}, Permanent(denied)
	}), withBackoff(time.Millisecond))

	_, err := c.GetOrRefresh(context.Background())
	require.ErrorIs(t, err, denied)
	require.EqualValues(t, 1, calls.Load())
}

func TestRefreshGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := NewCache(FetcherFunc(func(context.Context) (Credential, error) {
		calls.Add(1)
		return Credential{}, errors.New("timeout")
	}), WithRetries(2), withBackoff(time.Millisecond))

	_, err := c.GetOrRefresh(context.Background())
	require.Error(t, err)
	require.EqualValues(t, 3, calls.Load())
}

func TestEmptyTokenIsRejected(t *testing.T) {
	t.Parallel()
	c := NewCache(Static("  "))
	_, err := c.GetOrRefresh(context.Background())
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestClientCredentialsFetcher(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "client_credentials" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		user, pass, _ := r.BasicAuth()
		if user != "id" || pass != "secret" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	cred, err := NewClientCredentials(srv.URL, "id", "secret", nil, time.Second).Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-1", cred.Token)
	require.WithinDuration(t, time.Now().Add(time.Hour), cred.Expiry, time.Minute)

	var calls atomic.Int32
	bad := NewClientCredentials(srv.URL, "id", "wrong", nil, time.Second)
	c := NewCache(FetcherFunc(func(ctx context.Context) (Credential, error) {
		calls.Add(1)
		return bad.Fetch(ctx)
	}), withBackoff(time.Millisecond))
	_, err = c.GetOrRefresh(ctx)
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load(), "rejected client must not be retried")
}
