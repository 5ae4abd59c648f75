// Package credential caches the access token used by outbound gateways.
//
// One Cache is shared by every sender in the process. A refresh is performed
// at most once at a time; concurrent callers wait for and share its result.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	logx "newsletter/pkg/logx"
)

const (
	DefaultSkew         = 30 * time.Second
	defaultFetchTimeout = 30 * time.Second
	defaultFetchRetries = 3
)

var ErrNoCredential = errors.New("credential fetcher returned an empty token")

// Credential is a bearer token and its expiry. A zero Expiry never expires.
type Credential struct {
	Token  string
	Expiry time.Time
}

// Valid reports whether c can still be used at now, treating it as expired
// skew early.
func (c Credential) Valid(now time.Time, skew time.Duration) bool {
	if c.Token == "" {
		return false
	}
	return c.Expiry.IsZero() || now.Before(c.Expiry.Add(-skew))
}

type Fetcher interface {
	Fetch(ctx context.Context) (Credential, error)
}

type FetcherFunc func(ctx context.Context) (Credential, error)

func (f FetcherFunc) Fetch(ctx context.Context) (Credential, error) { return f(ctx) }

// Permanent marks a fetch error that retrying will not fix, e.g. rejected
// client credentials.
func Permanent(err error) error { return backoff.Permanent(err) }

type Option func(*Cache)

func WithSkew(d time.Duration) Option {
	return func(c *Cache) {
		if d >= 0 {
			c.skew = d
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithRetries sets how many times a failed fetch is retried within one refresh.
func WithRetries(n int) Option {
	return func(c *Cache) {
		if n >= 0 {
			c.retries = n
		}
	}
}

func withBackoff(initial time.Duration) Option {
	return func(c *Cache) { c.initialBackoff = initial }
}

type Cache struct {
	fetcher Fetcher
	skew    time.Duration
	retries int
	log     logx.Logger

	initialBackoff time.Duration

	mu  sync.Mutex
	cur Credential
	sf  singleflight.Group

	now func() time.Time
}

func NewCache(f Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:        f,
		skew:           DefaultSkew,
		retries:        defaultFetchRetries,
		initialBackoff: 500 * time.Millisecond,
		now:            time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(logx.String("comp", "credential"))
	return c
}

func (c *Cache) cached() (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur.Valid(c.now(), c.skew) {
		return c.cur, true
	}
	return Credential{}, false
}

// GetOrRefresh returns the cached credential, fetching a new one when it is
// missing or about to expire.
func (c *Cache) GetOrRefresh(ctx context.Context) (Credential, error) {
	if cred, ok := c.cached(); ok {
		return cred, nil
	}

	ch := c.sf.DoChan("refresh", func() (any, error) {
		if cred, ok := c.cached(); ok {
			return cred, nil
		}
		// The refresh is shared, so one caller giving up must not cancel it.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultFetchTimeout)
		defer cancel()
		return c.refresh(fctx)
	})

	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Credential{}, r.Err
		}
		return r.Val.(Credential), nil
	}
}

func (c *Cache) refresh(ctx context.Context) (Credential, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() (Credential, error) {
		attempt++
		cred, err := c.fetcher.Fetch(ctx)
		if err != nil {
			c.log.Warn("credential fetch failed", logx.Int("attempt", attempt), logx.Err(err))
			return Credential{}, err
		}
		if cred.Token == "" {
			return Credential{}, backoff.Permanent(ErrNoCredential)
		}
		return cred, nil
	}

	cred, err := backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retries)), ctx))
	if err != nil {
		return Credential{}, fmt.Errorf("refresh credential: %w", err)
	}

	c.mu.Lock()
	c.cur = cred
	c.mu.Unlock()

	fields := []logx.Field{logx.Int("attempts", attempt)}
	if !cred.Expiry.IsZero() {
		fields = append(fields, logx.Time("expiry", cred.Expiry))
	}
	c.log.Debug("credential refreshed", fields...)
	return cred, nil
}

// Invalidate drops the cached credential so the next call fetches a new one.
// Senders call it after the gateway rejects the token.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cur = Credential{}
	c.mu.Unlock()
}

// Token is a convenience for callers that only need the bearer string.
func (c *Cache) Token(ctx context.Context) (string, error) {
	cred, err := c.GetOrRefresh(ctx)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}
