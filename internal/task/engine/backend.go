package engine

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Backend stores jobs until they are due.
//
// Push is all-or-nothing: either every job is stored or none is.
// Pop blocks until a job is due, ctx is done, or the backend is closed.
// Ack releases a popped job once it succeeded, failed for good, or was
// pushed back. A backend may hand an unacked job to another consumer.
type Backend interface {
	Push(ctx context.Context, jobs ...Job) error
	Pop(ctx context.Context) (Job, error)
	Ack(ctx context.Context, job Job) error
	Stats(ctx context.Context) (BackendStats, error)
	Close() error
}

type BackendStats struct {
	Name     string `json:"name"`
	Ready    int    `json:"ready"`
	Delayed  int    `json:"delayed"`
	Leased   int    `json:"leased,omitempty"`
	Capacity int    `json:"capacity,omitempty"`
}

// MemoryBackend is a process-local backend: a FIFO of ready jobs plus a
// min-heap of delayed jobs ordered by NotBefore.
type MemoryBackend struct {
	mu       sync.Mutex
	capacity int
	ready    []Job
	delayed  delayHeap
	closed   bool

	// wake is closed and replaced whenever state changes, waking all Pops.
	wake chan struct{}

	now func() time.Time
}

// NewMemoryBackend returns a backend holding at most capacity jobs
// (ready + delayed). capacity <= 0 means unbounded.
func NewMemoryBackend(capacity int) *MemoryBackend {
	return &MemoryBackend{capacity: capacity, wake: make(chan struct{}), now: time.Now}
}

func (b *MemoryBackend) Push(ctx context.Context, jobs ...Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStopped
	}
	if b.capacity > 0 && len(b.ready)+len(b.delayed)+len(jobs) > b.capacity {
		return ErrQueueFull
	}
	now := b.now()
	for _, j := range jobs {
		if j.NotBefore.After(now) {
			heap.Push(&b.delayed, j)
		} else {
			b.ready = append(b.ready, j)
		}
	}
	b.signalLocked()
	return nil
}

func (b *MemoryBackend) Pop(ctx context.Context) (Job, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return Job{}, ErrStopped
		}
		now := b.now()
		for len(b.delayed) > 0 && !b.delayed[0].NotBefore.After(now) {
			b.ready = append(b.ready, heap.Pop(&b.delayed).(Job))
		}
		if len(b.ready) > 0 {
			j := b.ready[0]
			b.ready[0] = Job{}
			b.ready = b.ready[1:]
			b.mu.Unlock()
			return j, nil
		}

		wake := b.wake
		var timer *time.Timer
		var due <-chan time.Time
		if len(b.delayed) > 0 {
			timer = time.NewTimer(b.delayed[0].NotBefore.Sub(now))
			due = timer.C
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return Job{}, ctx.Err()
		case <-wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Ack is a no-op: popped jobs live only in the worker that holds them.
func (b *MemoryBackend) Ack(context.Context, Job) error { return nil }

func (b *MemoryBackend) Stats(context.Context) (BackendStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BackendStats{Name: "memory", Ready: len(b.ready), Delayed: len(b.delayed), Capacity: b.capacity}, nil
}

// Close wakes blocked Pops with ErrStopped. Pending jobs are discarded.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.signalLocked()
	}
	return nil
}

func (b *MemoryBackend) signalLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

type delayHeap []Job

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	return h[i].NotBefore.Before(h[j].NotBefore)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(Job)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = Job{}
	*h = old[:n-1]
	return j
}
