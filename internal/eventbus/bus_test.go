package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	Publish(b, DeliverySent, DeliveryEvent{MessageID: 1, Channel: "email"})

	for i, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != DeliverySent {
				t.Fatalf("sub %d: Type = %q, want %q", i, e.Type, DeliverySent)
			}
			if e.Time.IsZero() {
				t.Fatalf("sub %d: Time not set", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event", i)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: JobRetry})
	b.Publish(Event{Type: JobRetry})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribeClosesAndStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Type: JobFailed})
	if _, ok := <-ch; ok {
		t.Fatal("channel delivered after unsubscribe")
	}
}

func TestPublishNilBus(t *testing.T) {
	t.Parallel()
	Publish(nil, JobFailed, nil) // must not panic
}
