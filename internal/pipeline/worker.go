package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"newsletter/internal/channel"
	"newsletter/internal/eventbus"
	"newsletter/internal/newsletter"
	"newsletter/internal/storage"
	"newsletter/internal/task/engine"
	logx "newsletter/pkg/logx"
)

// Skip reasons reported on delivery.skipped events.
const (
	SkipMessageMissing    = "message_missing"
	SkipSubscriberMissing = "subscriber_missing"
	SkipIneligible        = "ineligible"
)

// Worker executes delivery jobs. It re-reads the message and subscriber on
// every attempt and never writes either.
type Worker struct {
	store   storage.Querier
	senders channel.Senders
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
}

func NewWorker(store storage.Querier, senders channel.Senders, log logx.Logger, bus eventbus.Bus) *Worker {
	return &Worker{
		store:   store,
		senders: senders,
		log:     log.With(logx.String("comp", "delivery")),
		bus:     bus,
		now:     time.Now,
	}
}

// Handle is the engine handler for KindDeliver.
func (w *Worker) Handle(ctx context.Context, job engine.Job) error {
	var dj newsletter.DeliveryJob
	if err := json.Unmarshal(job.Payload, &dj); err != nil {
		return engine.NoRetry(fmt.Errorf("decode delivery job: %w", err))
	}
	if !dj.Channel.Valid() {
		return engine.NoRetry(fmt.Errorf("delivery job %s: unknown channel", dj))
	}
	_, more := job.Policy.Next(job.Attempt)
	return w.deliver(ctx, dj, job.Attempt, !more)
}

// Deliver runs one attempt outside the engine, treating it as the last.
func (w *Worker) Deliver(ctx context.Context, dj newsletter.DeliveryJob) error {
	return w.deliver(ctx, dj, 1, true)
}

// deliver returns nil for success and for expected churn, a plain error for
// retryable failures, and engine.NoRetry for terminal ones.
func (w *Worker) deliver(ctx context.Context, dj newsletter.DeliveryJob, attempt int, last bool) error {
	log := w.log.With(
		logx.Int64("msg_id", dj.MessageID),
		logx.Int64("sub_id", dj.SubscriberID),
		logx.String("channel", string(dj.Channel)),
		logx.Int("attempt", attempt),
	)
	ev := eventbus.DeliveryEvent{MessageID: dj.MessageID, SubscriberID: dj.SubscriberID, Channel: string(dj.Channel), Attempt: attempt}

	msg, err := w.store.GetMessage(ctx, dj.MessageID)
	if err != nil {
		if errors.Is(err, newsletter.ErrNotFound) {
			log.Warn("delivery skipped: message not found")
			w.skip(ev, SkipMessageMissing)
			return nil
		}
		return fmt.Errorf("load message: %w", err)
	}
	sub, err := w.store.GetSubscriber(ctx, dj.SubscriberID)
	if err != nil {
		if errors.Is(err, newsletter.ErrNotFound) {
			log.Warn("delivery skipped: subscriber not found")
			w.skip(ev, SkipSubscriberMissing)
			return nil
		}
		return fmt.Errorf("load subscriber: %w", err)
	}
	if !newsletter.Eligible(sub, dj.Channel) {
		log.Info("delivery skipped: subscriber inactive, unsubscribed, or without address")
		w.skip(ev, SkipIneligible)
		return nil
	}

	sender, ok := w.senders.Get(dj.Channel)
	if !ok {
		err := fmt.Errorf("no sender configured for %s", dj.Channel)
		w.failed(log, ev, channel.KindPermanent, err, true)
		return engine.NoRetry(err)
	}

	addr := sub.Address(dj.Channel)
	start := w.now()
	receipt, err := sender.Send(ctx, addr, msg.Content(dj.Channel))
	ev.Duration = w.now().Sub(start)
	log = log.With(logx.String("to", addr), logx.Duration("dur", ev.Duration))

	if err == nil {
		log.Info("delivery sent", logx.String("receipt", string(receipt)))
		eventbus.Publish(w.bus, eventbus.DeliverySent, ev)
		return nil
	}

	kind := channel.KindOf(err)
	if kind != channel.KindTransient {
		w.failed(log, ev, kind, err, true)
		return engine.NoRetry(err)
	}
	w.failed(log, ev, kind, err, last)
	if ra := channel.RetryAfterOf(err); ra > 0 {
		return engine.RetryAfter(err, ra)
	}
	return err
}

func (w *Worker) skip(ev eventbus.DeliveryEvent, reason string) {
	ev.Reason = reason
	eventbus.Publish(w.bus, eventbus.DeliverySkipped, ev)
}

func (w *Worker) failed(log logx.Logger, ev eventbus.DeliveryEvent, kind channel.Kind, err error, terminal bool) {
	ev.Kind = kind.String()
	ev.Reason = err.Error()
	if !terminal {
		log.Warn("delivery failed, will retry", logx.String("kind", ev.Kind), logx.Err(err))
		eventbus.Publish(w.bus, eventbus.DeliveryRetry, ev)
		return
	}
	log.Error("delivery failed", logx.String("kind", ev.Kind), logx.Err(err))
	eventbus.Publish(w.bus, eventbus.DeliveryFailed, ev)
}
