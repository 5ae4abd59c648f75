package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the dispatcher.
const (
	// Job lifecycle (task engine). Data: JobEvent.
	JobSucceeded = "job.succeeded"
	JobRetry     = "job.retry"
	JobFailed    = "job.failed"
	JobDropped   = "job.dropped"

	// Dispatch outcome (coordinator). Data: DispatchEvent.
	DispatchQueued = "dispatch.queued"
	DispatchEmpty  = "dispatch.empty"
	DispatchFailed = "dispatch.failed"

	// Per-delivery outcome (worker). Data: DeliveryEvent.
	DeliverySent    = "delivery.sent"
	DeliverySkipped = "delivery.skipped"
	DeliveryRetry   = "delivery.retry"
	DeliveryFailed  = "delivery.failed"
)

// Event is a lightweight in-memory signal used to decouple components.
//
// Publish never blocks; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type JobEvent struct {
	ID       string
	Kind     string
	Name     string
	Attempt  int
	Duration time.Duration
	Err      string
}

type DispatchEvent struct {
	MessageID int64
	Jobs      int
	// PerChannel counts queued jobs by channel name.
	PerChannel map[string]int
	Err        string
}

type DeliveryEvent struct {
	MessageID    int64
	SubscriberID int64
	Channel      string
	Attempt      int
	Duration     time.Duration
	// Kind is the failure classification for DeliveryRetry and DeliveryFailed.
	Kind   string
	Reason string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock is short. Unsubscribe
	// takes the write lock before closing, which rules out send-on-closed.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Dropped is the number of events lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

// Publish is a nil-safe helper for optional buses.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}
