package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"newsletter/internal/newsletter"
	"newsletter/internal/storage"
	logx "newsletter/pkg/logx"
)

type stubSender struct {
	msg  newsletter.Message
	err  error
	errs map[int64]error
	ids  []int64
}

func (s *stubSender) RequestSend(_ context.Context, id int64) (newsletter.Message, error) {
	s.ids = append(s.ids, id)
	if err := s.errs[id]; err != nil {
		return newsletter.Message{}, err
	}
	if s.err != nil {
		return newsletter.Message{}, s.err
	}
	m := s.msg
	m.ID = id
	return m, nil
}

func newTestServer(t *testing.T, sender Sender) (*Server, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	if sender == nil {
		sender = &stubSender{}
	}
	return New(Config{}, st, sender, logx.Nop()), st
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubscriberCRUD(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/subscribers", map[string]any{
		"email": " a@example.com ", "subscribed_to_email": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sub := decode[newsletter.Subscriber](t, rec)
	require.Equal(t, "a@example.com", sub.Email)
	require.True(t, sub.IsActive, "new subscribers default to active")

	rec = do(t, s, http.MethodPost, "/api/subscribers", map[string]any{"email": "a@example.com"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "email", decode[errorBody](t, rec).Field)

	path := "/api/subscribers/" + jsonID(sub.ID)
	rec = do(t, s, http.MethodPatch, path, map[string]any{"phone_number": "+14155552671", "subscribed_to_sms": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sub = decode[newsletter.Subscriber](t, rec)
	require.True(t, sub.SubscribedToSMS)
	require.True(t, sub.SubscribedToEmail, "unset fields are kept")

	rec = do(t, s, http.MethodGet, "/api/subscribers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]newsletter.Subscriber](t, rec), 1)

	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, path, nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, path, nil).Code)
}

func TestSubscriberValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"sms without phone", map[string]any{"email": "a@example.com", "subscribed_to_sms": true}, "phone_number"},
		{"bad email", map[string]any{"email": "nope", "subscribed_to_email": true}, "email"},
		{"bad phone", map[string]any{"phone_number": "555-1234", "subscribed_to_sms": true}, "phone_number"},
		{"bad chat handle", map[string]any{"chat_handle": "signal:1", "subscribed_to_chat": true}, "chat_handle"},
		{"no contact", map[string]any{"subscribed_to_email": true}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/subscribers", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%s)", rec.Code, rec.Body.String())
			}
			if got := decode[errorBody](t, rec).Field; got != tt.field {
				t.Fatalf("field = %q, want %q", got, tt.field)
			}
		})
	}

	rec := do(t, s, http.MethodPost, "/api/subscribers", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageLifecycle(t *testing.T) {
	t.Parallel()
	s, st := newTestServer(t, nil)
	ctx := context.Background()

	rec := do(t, s, http.MethodPost, "/api/messages", map[string]any{"subject": "Hi", "body_text": "Hello", "status": "sent"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[newsletter.Message](t, rec)
	require.Equal(t, newsletter.StatusDraft, msg.Status, "status is not client-settable")

	path := "/api/messages/" + jsonID(msg.ID)
	rec = do(t, s, http.MethodPatch, path, map[string]any{"scheduled_at": "2030-01-02T03:04:05Z"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	msg = decode[newsletter.Message](t, rec)
	require.NotNil(t, msg.ScheduledAt)
	require.Equal(t, "Hello", msg.BodyText)

	rec = do(t, s, http.MethodPatch, path, map[string]any{"scheduled_at": nil})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, decode[newsletter.Message](t, rec).ScheduledAt)

	rec = do(t, s, http.MethodPatch, path, map[string]any{"body_text": "  "})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "body_text", decode[errorBody](t, rec).Field)

	require.NoError(t, st.SetMessageState(ctx, msg.ID, newsletter.StatusSending, ""))
	rec = do(t, s, http.MethodPatch, path, map[string]any{"subject": "x"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, detailInFlight, decode[errorBody](t, rec).Detail)
	require.Equal(t, http.StatusConflict, do(t, s, http.MethodDelete, path, nil).Code)

	require.NoError(t, st.SetMessageState(ctx, msg.ID, newsletter.StatusSent, ""))
	rec = do(t, s, http.MethodPatch, path, map[string]any{"subject": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, detailAlreadySent, decode[errorBody](t, rec).Detail)

	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, path, nil).Code)
}

func TestMessageListNewestFirst(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)
	for _, subj := range []string{"one", "two", "three"} {
		require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/api/messages", map[string]any{"subject": subj, "body_text": "b"}).Code)
	}

	rec := do(t, s, http.MethodGet, "/api/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decode[[]newsletter.Message](t, rec)
	require.Len(t, msgs, 2)
	require.Equal(t, "three", msgs[0].Subject)

	rec = do(t, s, http.MethodGet, "/api/messages?limit=2&offset=2", nil)
	require.Len(t, decode[[]newsletter.Message](t, rec), 1)

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/messages?limit=-1", nil).Code)
}

func TestQueueSend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		detail string
	}{
		{"accepted", nil, http.StatusAccepted, ""},
		{"missing", newsletter.ErrNotFound, http.StatusNotFound, detailMsgNotFound},
		{"in flight", newsletter.ErrConflict, http.StatusConflict, detailInFlight},
		{"already sent", newsletter.ErrAlreadySent, http.StatusBadRequest, detailAlreadySent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sender := &stubSender{msg: newsletter.Message{Status: newsletter.StatusSending}, err: tt.err}
			s, _ := newTestServer(t, sender)

			rec := do(t, s, http.MethodPost, "/api/messages/9/queue-send", nil)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.detail != "" {
				if got := decode[errorBody](t, rec).Detail; got != tt.detail {
					t.Fatalf("detail = %q, want %q", got, tt.detail)
				}
				return
			}
			m := decode[newsletter.Message](t, rec)
			if m.ID != 9 || m.Status != newsletter.StatusSending {
				t.Fatalf("body = %+v", m)
			}
		})
	}
}

func TestQueueSendMany(t *testing.T) {
	t.Parallel()
	sender := &stubSender{
		msg: newsletter.Message{Status: newsletter.StatusSending},
		errs: map[int64]error{
			2: newsletter.ErrAlreadySent,
			3: fmt.Errorf("%w: message 3 is queued", newsletter.ErrConflict),
			4: newsletter.ErrNotFound,
		},
	}
	s, _ := newTestServer(t, sender)

	rec := do(t, s, http.MethodPost, "/api/messages/queue-send", map[string]any{"ids": []int64{1, 2, 3, 4, 5, 1}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[bulkSendResult](t, rec)
	require.Equal(t, 2, got.Queued)
	require.Equal(t, 3, got.Skipped)
	require.Equal(t, []int64{1, 5}, got.QueuedIDs)
	require.Equal(t, []int64{2, 3, 4}, got.SkippedIDs)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, sender.ids, "duplicates are requested once")

	rec = do(t, s, http.MethodPost, "/api/messages/queue-send", map[string]any{"ids": []int64{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The single-message route still resolves next to the bulk one.
	rec = do(t, s, http.MethodPost, "/api/messages/9/queue-send", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestQueueSendManyStopsOnStoreError(t *testing.T) {
	t.Parallel()
	sender := &stubSender{errs: map[int64]error{2: errors.New("database is locked")}}
	s, _ := newTestServer(t, sender)

	rec := do(t, s, http.MethodPost, "/api/messages/queue-send", map[string]any{"ids": []int64{1, 2, 3}})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, []int64{1, 2}, sender.ids)
}

func TestInvalidID(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/messages/abc", nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/nope", nil).Code)
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, st, &stubSender{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s.Stop(context.Background())
	require.Empty(t, s.Addr())
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
