package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"newsletter/internal/eventbus"
	logx "newsletter/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, idx int) {
	log := s.log.With(logx.Int("worker", idx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		job, err := s.backend.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrStopped) {
				return
			}
			if s.shouldWarn(&s.lastPopWarnAt, s.now()) {
				log.Warn("job pop failed", logx.Err(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(popErrorDelay):
			}
			continue
		}

		s.inFlight.Add(1)
		if s.execOne(ctx, log, job) {
			s.ack(log, job)
		}
		s.inFlight.Add(-1)
	}
}

// execOne runs one attempt. It reports whether the job is settled and may be
// acked; false leaves it leased so the backend can hand it out again.
func (s *Service) execOne(ctx context.Context, log logx.Logger, job Job) bool {
	start := s.now()
	queueDelay := max(start.Sub(job.EnqueuedAt), 0)
	if !job.NotBefore.IsZero() && job.NotBefore.After(job.EnqueuedAt) {
		queueDelay = max(start.Sub(job.NotBefore), 0)
	}
	log = log.With(logx.String("job", job.ID), logx.String("kind", job.Kind), logx.Int("attempt", job.Attempt))

	h, ok := s.handler(job.Kind)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
		s.finish(log, job, start, queueDelay, 0, OutcomeFailed, err)
		return true
	}

	s.mu.Lock()
	timeout := s.cfg.JobTimeout
	s.mu.Unlock()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	err := s.invoke(runCtx, log, h, job)
	if cancel != nil {
		cancel()
	}
	dur := s.now().Sub(start)

	if err == nil {
		s.finish(log, job, start, queueDelay, dur, OutcomeSucceeded, nil)
		return true
	}

	// Shutdown interrupted the attempt: hand the job back without charging it.
	if ctx.Err() != nil {
		if perr := s.requeue(job); perr != nil {
			log.Warn("job left leased on shutdown", logx.Err(perr))
			return false
		}
		return true
	}

	if IsNoRetry(err) {
		s.finish(log, job, start, queueDelay, dur, OutcomeFailed, err)
		return true
	}

	delay, ok := job.Policy.delayFor(job.Attempt, retryAfterHint(err))
	if !ok {
		s.finish(log, job, start, queueDelay, dur, OutcomeFailed, err)
		return true
	}

	next := job
	next.Attempt++
	next.NotBefore = s.now().Add(delay)
	if perr := s.requeue(next); perr != nil {
		log.Error("job retry could not be stored", logx.Err(perr))
		s.finish(log, job, start, queueDelay, dur, OutcomeFailed, errors.Join(err, perr))
		return true
	}
	log.Debug("job retry scheduled", logx.Duration("delay", delay), logx.Err(err))
	s.finish(log, job, start, queueDelay, dur, OutcomeRetry, err)
	return true
}

// invoke converts handler panics to errors so one bad job cannot kill a worker.
func (s *Service) invoke(ctx context.Context, log logx.Logger, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return h(ctx, job)
}

func (s *Service) requeue(job Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	return s.backend.Push(ctx, job)
}

func (s *Service) ack(log logx.Logger, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	if err := s.backend.Ack(ctx, job); err != nil {
		log.Warn("job ack failed", logx.String("job", job.ID), logx.Err(err))
	}
}

func (s *Service) finish(log logx.Logger, job Job, start time.Time, queueDelay, dur time.Duration, outcome Outcome, err error) {
	item := HistoryItem{
		ID:         job.ID,
		Kind:       job.Kind,
		Name:       job.Name,
		Attempt:    job.Attempt,
		Started:    start,
		QueueDelay: queueDelay,
		Duration:   dur,
		Outcome:    outcome,
	}
	ev := eventbus.JobEvent{ID: job.ID, Kind: job.Kind, Name: job.Name, Attempt: job.Attempt, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Err = item.Error
	}

	switch outcome {
	case OutcomeSucceeded:
		s.succeeded.Add(1)
		if dur >= 750*time.Millisecond {
			log.Info("job completed", logx.Duration("dur", dur), logx.Duration("queue_delay", queueDelay))
		} else {
			log.Debug("job completed", logx.Duration("dur", dur), logx.Duration("queue_delay", queueDelay))
		}
		eventbus.Publish(s.bus, eventbus.JobSucceeded, ev)
	case OutcomeRetry:
		s.retried.Add(1)
		eventbus.Publish(s.bus, eventbus.JobRetry, ev)
	default:
		s.failed.Add(1)
		log.Warn("job failed", logx.Err(err), logx.Duration("dur", dur))
		eventbus.Publish(s.bus, eventbus.JobFailed, ev)
	}
	s.record(item)
}
