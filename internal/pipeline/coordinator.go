package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"newsletter/internal/eventbus"
	"newsletter/internal/newsletter"
	"newsletter/internal/storage"
	"newsletter/internal/task/engine"
	logx "newsletter/pkg/logx"
)

// KindDeliver is the engine job kind for one delivery.
const KindDeliver = "newsletter.deliver"

// ErrCoordination means the fan-out could not be committed. The message was
// marked failed and the report carries the cause.
var ErrCoordination = errors.New("dispatch coordination failed")

// Enqueuer accepts a batch of jobs all-or-nothing. *engine.Service
// satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobs ...engine.Job) error
}

// Result describes one dispatch.
type Result struct {
	MessageID  int64
	Status     newsletter.Status
	Jobs       int
	PerChannel map[newsletter.Channel]int
	Report     string
}

type Coordinator struct {
	store    storage.Store
	resolver *Resolver
	queue    Enqueuer
	policies policyBox
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
}

func NewCoordinator(store storage.Store, resolver *Resolver, queue Enqueuer, policies RetryPolicies, log logx.Logger, bus eventbus.Bus) *Coordinator {
	if resolver == nil {
		resolver = NewResolver()
	}
	c := &Coordinator{
		store:    store,
		resolver: resolver,
		queue:    queue,
		log:      log.With(logx.String("comp", "coordinator")),
		bus:      bus,
		now:      time.Now,
	}
	c.policies.set(policies)
	return c
}

// SetRetryPolicies applies to jobs created by later dispatches.
func (c *Coordinator) SetRetryPolicies(p RetryPolicies) { c.policies.set(p) }

// Dispatch fans message id out to every eligible recipient.
//
// It returns newsletter.ErrNotFound if the message is gone, ErrConflict if
// the message is not draft or queued (including when a concurrent dispatch
// won), and ErrCoordination if the transaction failed.
func (c *Coordinator) Dispatch(ctx context.Context, id int64) (Result, error) {
	log := c.log.With(logx.Int64("msg_id", id))

	msg, err := c.store.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, newsletter.ErrNotFound) {
			log.Warn("dispatch skipped: message not found")
			return Result{MessageID: id}, err
		}
		log.Error("dispatch failed: load message", logx.Err(err))
		return Result{MessageID: id}, fmt.Errorf("%w: %w", ErrCoordination, err)
	}
	if !msg.Status.Dispatchable() {
		log.Info("dispatch skipped: message not dispatchable", logx.String("status", string(msg.Status)))
		return Result{MessageID: id, Status: msg.Status, Report: msg.Report},
			fmt.Errorf("%w: message %d is %s", newsletter.ErrConflict, id, msg.Status)
	}

	var res Result
	err = c.store.InTx(ctx, func(q storage.Querier) error {
		// The compare-and-set makes concurrent dispatches mutually exclusive.
		ok, err := q.TransitionStatus(ctx, id, newsletter.Sources(newsletter.StatusSending), newsletter.StatusSending)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: message %d changed state", newsletter.ErrConflict, id)
		}

		recipients, err := c.resolver.Resolve(ctx, q)
		if err != nil {
			return err
		}

		res, err = c.fanOut(ctx, q, id, recipients)
		return err
	})
	if err != nil {
		if errors.Is(err, newsletter.ErrConflict) {
			log.Info("dispatch skipped: lost race for message")
			return Result{MessageID: id}, err
		}
		return Result{MessageID: id}, c.fail(ctx, log, id, err)
	}

	if res.Jobs == 0 {
		log.Warn("no active subscribers for any channel")
		eventbus.Publish(c.bus, eventbus.DispatchEmpty, eventbus.DispatchEvent{MessageID: id})
	} else {
		per := make(map[string]int, len(res.PerChannel))
		for ch, n := range res.PerChannel {
			per[string(ch)] = n
		}
		log.Info("delivery jobs queued", logx.Int("jobs", res.Jobs), logx.Any("per_channel", per))
		eventbus.Publish(c.bus, eventbus.DispatchQueued, eventbus.DispatchEvent{MessageID: id, Jobs: res.Jobs, PerChannel: per})
	}
	return res, nil
}

// fanOut builds the jobs and report, writes the new state, and enqueues.
// Enqueue runs last so a failed write never leaves jobs behind; a failed
// commit after a successful enqueue can still orphan jobs, which workers
// tolerate.
func (c *Coordinator) fanOut(ctx context.Context, q storage.Querier, id int64, recipients Recipients) (Result, error) {
	report := newsletter.StartReport(c.now(), id)
	policies := c.policies.get()
	res := Result{MessageID: id, PerChannel: map[newsletter.Channel]int{}}

	var jobs []engine.Job
	for _, ch := range c.resolver.Channels() {
		for _, sub := range recipients[ch] {
			dj := newsletter.DeliveryJob{MessageID: id, SubscriberID: sub.ID, Channel: ch}
			payload, err := json.Marshal(dj)
			if err != nil {
				return res, fmt.Errorf("encode delivery job: %w", err)
			}
			jobs = append(jobs, engine.Job{
				Kind:    KindDeliver,
				Name:    dj.String(),
				Payload: payload,
				Policy:  policies.For(ch),
			})
			report.Queued(ch, sub.Address(ch), sub.ID)
			res.PerChannel[ch]++
		}
	}
	res.Jobs = len(jobs)

	if res.Jobs == 0 {
		report.NoRecipients()
		res.Status = newsletter.StatusFailed
	} else {
		report.Total(res.Jobs)
		res.Status = newsletter.StatusSending
	}
	res.Report = report.String()

	if err := q.SetMessageState(ctx, id, res.Status, res.Report); err != nil {
		return res, err
	}
	if res.Jobs > 0 {
		if err := c.queue.Enqueue(ctx, jobs...); err != nil {
			return res, fmt.Errorf("enqueue %d delivery jobs: %w", res.Jobs, err)
		}
	}
	return res, nil
}

// fail marks the message failed with the cause in its report. The fan-out
// transaction rolled back, so the message is still in a state a dispatch
// starts from (draft or queued). A message another dispatch already moved
// on keeps its state.
func (c *Coordinator) fail(ctx context.Context, log logx.Logger, id int64, cause error) error {
	log.Error("dispatch failed", logx.Err(cause))
	eventbus.Publish(c.bus, eventbus.DispatchFailed, eventbus.DispatchEvent{MessageID: id, Err: cause.Error()})

	report := newsletter.WithCriticalError(newsletter.StartReport(c.now(), id).String(), cause)
	// The request context may be what failed; give the mark its own budget.
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := c.store.InTx(mctx, func(q storage.Querier) error {
		ok, err := q.TransitionStatus(mctx, id, newsletter.Sources(newsletter.StatusSending), newsletter.StatusFailed)
		if err != nil || !ok {
			return err
		}
		return q.SetMessageState(mctx, id, newsletter.StatusFailed, report)
	})
	if err != nil {
		log.Error("could not mark message failed", logx.Err(err))
		return fmt.Errorf("%w: %w (marking failed: %v)", ErrCoordination, cause, err)
	}
	return fmt.Errorf("%w: %w", ErrCoordination, cause)
}
