package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "newsletter/pkg/logx"
)

func New(cfg Config, due DueSource, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.normalized(),
		log:    log.With(logx.String("comp", "scheduler")),
		due:    due,
		sender: sender,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Validate checks that cfg's schedule and timezone are usable.
func (s *Service) Validate(cfg Config) error {
	cfg = cfg.normalized()
	if _, err := s.schedule(cfg.Schedule, time.Now()); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler timezone: %w", err)
		}
	}
	return nil
}

// Apply swaps the config. The cron is restarted when the schedule or
// timezone changed, stopped when disabled, and started when newly enabled
// after a previous Start.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.normalized()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	started := s.base != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && (prev.Schedule != cfg.Schedule || strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone)):
		s.Stop(ctx)
		s.start()
	case !running && cfg.Enabled && started:
		s.start()
	}
}

// Start registers the sweep. ctx bounds every sweep run until Stop.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	s.start()
}

func (s *Service) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	cur := s.cfg

	loc := s.loadLocationLocked()
	sched, err := s.schedule(cur.Schedule, s.now().In(loc))
	if err != nil {
		s.log.Error("invalid sweep schedule; scheduler not started", logx.String("schedule", cur.Schedule), logx.Err(err))
		return
	}

	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.entryID = s.c.Schedule(sched, cron.FuncJob(s.run))
	s.c.Start()
	s.log.Info("service started",
		logx.String("tz", loc.String()),
		logx.String("schedule", cur.Schedule),
		logx.Time("next", s.c.Entry(s.entryID).Next),
	)
}

// Stop stops triggering and waits for a running sweep up to ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entryID = 0
	s.mu.Unlock()
	if c == nil {
		return
	}

	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("sweep still running at stop", logx.Err(ctx.Err()))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) schedule(raw string, now time.Time) (cron.Schedule, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	switch ps.Kind {
	case SpecCron:
		sched, err := s.parser.Parse(ps.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
		return sched, nil
	case SpecInterval:
		sched, _ := intervalWithSpread(ps.Every, now)
		return sched, nil
	}
	return nil, fmt.Errorf("unsupported schedule kind")
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
