package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"newsletter/internal/newsletter"
	logx "newsletter/pkg/logx"
)

const sweepWarnThrottle = 5 * time.Second

// ErrSweepRunning is returned by Sweep while another sweep is in progress.
var ErrSweepRunning = errors.New("sweep already running")

// run is the cron job.
func (s *Service) run() {
	s.mu.Lock()
	base := s.base
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepRunning) {
		s.warn("scheduled sweep failed", err)
	}
}

// Sweep requests a send for every due draft, oldest schedule first, and
// returns how many were queued. Messages another path already moved out of
// draft are skipped.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.log.Debug("sweep skipped: previous sweep still running")
		return 0, ErrSweepRunning
	}
	defer s.sweeping.Store(false)

	s.mu.Lock()
	limit := s.cfg.BatchSize
	s.mu.Unlock()

	now := s.now()
	due, err := s.due.DueScheduled(ctx, now, limit)
	if err != nil {
		err = fmt.Errorf("list due messages: %w", err)
		s.recordSweep(now, 0, err)
		return 0, err
	}

	queued := 0
	var errs []error
	for _, m := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		log := s.log.With(logx.Int64("msg_id", m.ID))
		got, err := s.sender.RequestSend(ctx, m.ID)
		switch {
		case err == nil:
			queued++
			log.Info("scheduled message sent to dispatch", logx.String("status", string(got.Status)))
		case errors.Is(err, newsletter.ErrConflict),
			errors.Is(err, newsletter.ErrAlreadySent),
			errors.Is(err, newsletter.ErrNotFound):
			log.Debug("scheduled message skipped", logx.Err(err))
		default:
			errs = append(errs, fmt.Errorf("message %d: %w", m.ID, err))
		}
	}

	err = errors.Join(errs...)
	s.recordSweep(now, queued, err)
	if queued > 0 {
		s.log.Info("sweep finished", logx.Int("due", len(due)), logx.Int("queued", queued))
	}
	return queued, err
}

func (s *Service) recordSweep(at time.Time, queued int, err error) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.lastSweep = at
	s.lastQueued = queued
	s.totalQueued += uint64(queued)
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
}

func (s *Service) warn(msg string, err error) {
	prev := atomic.LoadInt64(&s.lastWarnAt)
	n := s.now().UnixNano()
	if prev != 0 && n-prev < int64(sweepWarnThrottle) {
		return
	}
	if atomic.CompareAndSwapInt64(&s.lastWarnAt, prev, n) {
		s.log.Warn(msg, logx.Err(err))
	}
}
