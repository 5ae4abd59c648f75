package redisq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"newsletter/internal/task/engine"
	logx "newsletter/pkg/logx"
)

func newTestQueue(t *testing.T, opt Options) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	if opt.PollInterval == 0 {
		opt.PollInterval = 5 * time.Millisecond
	}
	return New(rdb, opt), mr
}

func TestPushPopFIFO(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, engine.Job{ID: "a", Kind: "k"}, engine.Job{ID: "b", Kind: "k"}))
	require.NoError(t, q.Push(ctx, engine.Job{ID: "c", Kind: "k"}))

	for _, want := range []string{"a", "b", "c"} {
		j, err := q.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, want, j.ID)
		require.Equal(t, "k", j.Kind)
	}
}

func TestJobRoundTripsPolicyAndAttempt(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	in := engine.Job{
		ID:      "j1",
		Kind:    "newsletter.deliver",
		Payload: []byte(`{"message_id":7}`),
		Attempt: 2,
		Policy:  engine.RetryPolicy{MaxRetries: 3, Strategy: engine.StrategyExponential, Delay: time.Second},
	}
	require.NoError(t, q.Push(ctx, in))
	out, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, in.Policy, out.Policy)
	require.Equal(t, 2, out.Attempt)
	require.JSONEq(t, `{"message_id":7}`, string(out.Payload))
}

func TestDelayedJobsArePromotedWhenDue(t *testing.T) {
	t.Parallel()
	q, mr := newTestQueue(t, Options{Prefix: "test"})
	ctx := context.Background()

	base := time.Now()
	q.now = func() time.Time { return base }
	require.NoError(t, q.Push(ctx, engine.Job{ID: "later", NotBefore: base.Add(time.Minute)}))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, st.Ready)
	require.Equal(t, 1, st.Delayed)
	require.True(t, mr.Exists("test:delayed"))

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	_, err = q.Pop(short)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	q.now = func() time.Time { return base.Add(2 * time.Minute) }
	j, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "later", j.ID)

	st, err = q.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Ready+st.Delayed)
}

func TestPromoteClaimsOnce(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	base := time.Now()
	q.now = func() time.Time { return base }
	require.NoError(t, q.Push(ctx, engine.Job{ID: "d", NotBefore: base.Add(time.Second)}))

	q.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, q.promote(ctx))
	require.NoError(t, q.promote(ctx))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Ready)
	require.Equal(t, 0, st.Delayed)
}

func TestUnackedJobGoesToNextConsumer(t *testing.T) {
	t.Parallel()
	a, mr := newTestQueue(t, Options{Prefix: "test", Lease: time.Minute})
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := New(rdb, Options{Prefix: "test", Lease: time.Minute, PollInterval: 5 * time.Millisecond})

	base := time.Now()
	a.now = func() time.Time { return base }
	b.now = func() time.Time { return base }

	require.NoError(t, a.Push(ctx, engine.Job{ID: "j", Kind: "k", Attempt: 1}))
	held, err := a.Pop(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, held.Lease)

	st, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, st.Ready)
	require.Equal(t, 1, st.Leased)

	// The lease is still live: b sees nothing.
	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	_, err = b.Pop(short)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// a never acks; once the lease lapses b gets the job.
	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	got, err := b.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "j", got.ID)
	require.Equal(t, 1, got.Attempt)
	require.NotEqual(t, held.Lease, got.Lease)

	// a's late ack must not release b's lease.
	require.NoError(t, a.Ack(ctx, held))
	st, err = b.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Leased)

	require.NoError(t, b.Ack(ctx, got))
	st, err = b.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, st.Leased)
	require.Equal(t, 0, st.Ready)
}

func TestAckedJobIsNotRedelivered(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Options{Lease: time.Second})
	ctx := context.Background()

	base := time.Now()
	q.now = func() time.Time { return base }
	require.NoError(t, q.Push(ctx, engine.Job{ID: "once"}))
	j, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, j))

	q.now = func() time.Time { return base.Add(time.Hour) }
	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = q.Pop(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCapacity(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Options{Capacity: 2})
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, engine.Job{ID: "a"}))
	err := q.Push(ctx, engine.Job{ID: "b"}, engine.Job{ID: "c"})
	require.ErrorIs(t, err, engine.ErrQueueFull)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Ready)
}

func TestCloseStopsCalls(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	_, err := q.Pop(ctx)
	require.True(t, errors.Is(err, engine.ErrStopped))
	require.ErrorIs(t, q.Push(ctx, engine.Job{ID: "x"}), engine.ErrStopped)
}

func TestDialRejectsBadURL(t *testing.T) {
	t.Parallel()
	_, err := Dial(context.Background(), "not-a-url", Options{})
	require.Error(t, err)

	mr := miniredis.RunT(t)
	q, err := Dial(context.Background(), "redis://"+mr.Addr()+"/0", Options{})
	require.NoError(t, err)
	require.NoError(t, q.Close())
}

func TestEngineRunsJobsFromRedis(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t, Options{})
	svc := engine.New(engine.Config{Enabled: true, Workers: 1}, q, logx.Nop(), nil)

	done := make(chan string, 1)
	svc.Register("k", func(_ context.Context, j engine.Job) error {
		done <- j.ID
		return nil
	})
	svc.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	}()

	require.NoError(t, svc.Enqueue(context.Background(), engine.Job{ID: "r1", Kind: "k"}))
	select {
	case id := <-done:
		require.Equal(t, "r1", id)
	case <-time.After(3 * time.Second):
		t.Fatal("job from redis was not executed")
	}
	require.Eventually(t, func() bool {
		st, err := q.Stats(context.Background())
		return err == nil && st.Leased == 0
	}, 2*time.Second, 10*time.Millisecond, "finished job still leased")
}
