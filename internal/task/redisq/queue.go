// Package redisq is a Redis-backed engine.Backend.
//
// Ready jobs live in a list (LPUSH/RPOP gives FIFO order); delayed jobs live
// in a sorted set scored by NotBefore in unix milliseconds. Due jobs are moved
// by a Lua script so concurrent consumers never promote the same job twice.
//
// Pop leases a job instead of deleting it: the payload is parked under a
// lease token in <prefix>:leases and the token sits in <prefix>:processing
// scored by its deadline. Ack drops the lease. A lease that outlives its
// deadline goes back to the head of the ready list, so a job held by a
// consumer that died is delivered again.
package redisq

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"newsletter/internal/task/engine"
)

const (
	defaultPrefix       = "newsletter:jobs"
	defaultPollInterval = 200 * time.Millisecond
	defaultLease        = 5 * time.Minute
	promoteBatch        = 100
)

// promoteScript moves up to ARGV[2] due members from the delayed set to the
// ready list. ZREM succeeding is the claim.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, m in ipairs(due) do
	if redis.call('ZREM', KEYS[1], m) == 1 then
		redis.call('LPUSH', KEYS[2], m)
		moved = moved + 1
	end
end
return moved
`)

// popScript takes the oldest ready job and parks it under lease ARGV[1]
// until ARGV[2].
var popScript = redis.NewScript(`
local raw = redis.call('RPOP', KEYS[1])
if not raw then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], raw)
return raw
`)

// reclaimScript returns up to ARGV[2] leases expired at ARGV[1] to the
// consuming end of the ready list.
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, tok in ipairs(expired) do
	if redis.call('ZREM', KEYS[1], tok) == 1 then
		local raw = redis.call('HGET', KEYS[2], tok)
		redis.call('HDEL', KEYS[2], tok)
		if raw then
			redis.call('RPUSH', KEYS[3], raw)
			moved = moved + 1
		end
	end
end
return moved
`)

type Options struct {
	// Prefix namespaces the keys: <prefix>:ready, <prefix>:delayed,
	// <prefix>:processing and <prefix>:leases.
	Prefix string
	// Capacity bounds ready+delayed. 0 means unbounded. The check is
	// best-effort across processes.
	Capacity     int
	PollInterval time.Duration
	// Lease is how long a popped job may go unacked before another consumer
	// gets it. It must outlast the engine's job timeout. 0 means 5m.
	Lease time.Duration
}

type Queue struct {
	rdb      redis.UniversalClient
	ownsConn bool

	ready      string
	delayed    string
	processing string
	leases     string
	capacity   int
	poll       time.Duration
	lease      time.Duration

	closed atomic.Bool
	now    func() time.Time
}

var _ engine.Backend = (*Queue)(nil)

// New wraps an existing client. Close does not close it.
func New(rdb redis.UniversalClient, opt Options) *Queue {
	prefix := strings.TrimSuffix(strings.TrimSpace(opt.Prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	poll := opt.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	lease := opt.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	return &Queue{
		rdb:        rdb,
		ready:      prefix + ":ready",
		delayed:    prefix + ":delayed",
		processing: prefix + ":processing",
		leases:     prefix + ":leases",
		capacity:   opt.Capacity,
		poll:       poll,
		lease:      lease,
		now:        time.Now,
	}
}

// Dial connects to url (redis:// or rediss://) and fails fast if the server
// is unreachable.
func Dial(ctx context.Context, url string, opt Options) (*Queue, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ro.DialTimeout = 5 * time.Second
	ro.ReadTimeout = 2 * time.Second
	ro.WriteTimeout = 2 * time.Second
	ro.MaxRetries = 3
	ro.MinRetryBackoff = 100 * time.Millisecond
	ro.MaxRetryBackoff = time.Second
	if ro.TLSConfig == nil && strings.HasPrefix(url, "rediss://") {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	q := New(rdb, opt)
	q.ownsConn = true
	return q, nil
}

func (q *Queue) Push(ctx context.Context, jobs ...engine.Job) error {
	if q.closed.Load() {
		return engine.ErrStopped
	}
	if len(jobs) == 0 {
		return nil
	}

	if q.capacity > 0 {
		st, err := q.Stats(ctx)
		if err != nil {
			return err
		}
		if st.Ready+st.Delayed+len(jobs) > q.capacity {
			return engine.ErrQueueFull
		}
	}

	now := q.now()
	ready := make([]any, 0, len(jobs))
	var delayed []redis.Z
	for _, j := range jobs {
		b, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", j.ID, err)
		}
		if j.NotBefore.After(now) {
			delayed = append(delayed, redis.Z{Score: float64(j.NotBefore.UnixMilli()), Member: string(b)})
		} else {
			ready = append(ready, string(b))
		}
	}

	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if len(ready) > 0 {
			p.LPush(ctx, q.ready, ready...)
		}
		if len(delayed) > 0 {
			p.ZAdd(ctx, q.delayed, delayed...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis push: %w", err)
	}
	return nil
}

func (q *Queue) Pop(ctx context.Context) (engine.Job, error) {
	for {
		if q.closed.Load() {
			return engine.Job{}, engine.ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return engine.Job{}, err
		}

		if err := q.promote(ctx); err != nil {
			return engine.Job{}, err
		}
		token := uuid.NewString()
		deadline := q.now().Add(q.lease).UnixMilli()
		raw, err := popScript.Run(ctx, q.rdb, []string{q.ready, q.processing, q.leases}, token, deadline).Text()
		switch {
		case err == nil:
			var j engine.Job
			if err := json.Unmarshal([]byte(raw), &j); err != nil {
				// A payload nobody can decode would come back on every reclaim.
				_ = q.Ack(ctx, engine.Job{Lease: token})
				return engine.Job{}, fmt.Errorf("decode job: %w", err)
			}
			j.Lease = token
			return j, nil
		case errors.Is(err, redis.Nil):
		default:
			return engine.Job{}, fmt.Errorf("redis pop: %w", err)
		}

		t := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return engine.Job{}, ctx.Err()
		case <-t.C:
		}
	}
}

// Ack drops the lease taken by Pop. Acking an expired or unknown lease is a
// no-op.
func (q *Queue) Ack(ctx context.Context, job engine.Job) error {
	if job.Lease == "" {
		return nil
	}
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.processing, job.Lease)
		p.HDel(ctx, q.leases, job.Lease)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	return nil
}

// promote makes due delayed jobs and expired leases ready.
func (q *Queue) promote(ctx context.Context) error {
	now := q.now().UnixMilli()
	err := reclaimScript.Run(ctx, q.rdb, []string{q.processing, q.leases, q.ready}, now, promoteBatch).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis reclaim: %w", err)
	}
	err = promoteScript.Run(ctx, q.rdb, []string{q.delayed, q.ready}, now, promoteBatch).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis promote: %w", err)
	}
	return nil
}

func (q *Queue) Stats(ctx context.Context) (engine.BackendStats, error) {
	var ready, delayed, leased *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.LLen(ctx, q.ready)
		delayed = p.ZCard(ctx, q.delayed)
		leased = p.ZCard(ctx, q.processing)
		return nil
	})
	if err != nil {
		return engine.BackendStats{Name: "redis"}, fmt.Errorf("redis stats: %w", err)
	}
	return engine.BackendStats{
		Name:     "redis",
		Ready:    int(ready.Val()),
		Delayed:  int(delayed.Val()),
		Leased:   int(leased.Val()),
		Capacity: q.capacity,
	}, nil
}

// Close makes further calls fail with engine.ErrStopped. Pending jobs and
// unacked leases stay in Redis for the next process.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	if q.ownsConn {
		return q.rdb.Close()
	}
	return nil
}
