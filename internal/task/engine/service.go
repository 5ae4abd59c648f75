package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"newsletter/internal/eventbus"
	logx "newsletter/pkg/logx"

	rtsup "newsletter/internal/runtime/supervisor"
)

const (
	warnThrottleEvery = 5 * time.Second

	defaultWorkers     = 4
	defaultHistorySize = 200

	// requeueTimeout bounds pushes made after the worker context is gone.
	requeueTimeout = 5 * time.Second
	popErrorDelay  = time.Second
)

// Service runs registered handlers for jobs pulled from a Backend.
//
// Jobs can be enqueued before Start; they wait in the backend until workers
// pick them up.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	backend Backend
	log     logx.Logger
	bus     eventbus.Bus

	hmu      sync.RWMutex
	handlers map[string]Handler

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	historyMu sync.Mutex
	history   []HistoryItem

	inFlight  atomic.Int32
	succeeded atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	lastDropWarnAt int64
	lastPopWarnAt  int64

	now func() time.Time
}

func New(cfg Config, backend Backend, log logx.Logger, bus eventbus.Bus) *Service {
	if backend == nil {
		backend = NewMemoryBackend(0)
	}
	return &Service{
		cfg:      normalizeConfig(cfg),
		backend:  backend,
		log:      log.With(logx.String("comp", "taskengine")),
		bus:      bus,
		handlers: map[string]Handler{},
		now:      time.Now,
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.JobTimeout < 0 {
		cfg.JobTimeout = 0
	}
	return cfg
}

// Register binds a handler to a job kind, replacing any previous one.
func (s *Service) Register(kind string, h Handler) {
	kind = strings.TrimSpace(kind)
	if kind == "" || h == nil {
		panic("engine: Register requires a kind and a handler")
	}
	s.hmu.Lock()
	s.handlers[kind] = h
	s.hmu.Unlock()
}

func (s *Service) handler(kind string) (Handler, bool) {
	s.hmu.RLock()
	h, ok := s.handlers[kind]
	s.hmu.RUnlock()
	return h, ok
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Backend() Backend { return s.backend }

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply swaps the config, restarting workers when the pool size changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = normalizeConfig(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && prev.Workers != cfg.Workers:
		s.Stop(ctx)
		// Workers outlive the reload request.
		s.Start(context.WithoutCancel(ctx))
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// A failing worker must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	st, _ := s.backend.Stats(ctx)
	s.log.Info("task engine started",
		logx.Int("workers", cfg.Workers),
		logx.String("backend", st.Name),
		logx.Duration("job_timeout", cfg.JobTimeout),
	)
}

// Stop cancels workers and waits for them up to ctx. The backend stays open
// so the service can be restarted; its owner closes it.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue stores jobs for execution. The batch is accepted or rejected as a
// whole. Missing IDs, attempts, and policies are filled in.
func (s *Service) Enqueue(ctx context.Context, jobs ...Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.Enabled() {
		return ErrDisabled
	}
	if len(jobs) == 0 {
		return nil
	}

	now := s.now()
	batch := make([]Job, len(jobs))
	for i, j := range jobs {
		j.Kind = strings.TrimSpace(j.Kind)
		if _, ok := s.handler(j.Kind); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownKind, j.Kind)
		}
		if strings.TrimSpace(j.ID) == "" {
			j.ID = uuid.NewString()
		}
		if j.Attempt < 1 {
			j.Attempt = 1
		}
		if j.Policy.IsZero() {
			j.Policy = DefaultRetryPolicy()
		}
		if err := j.Policy.Validate(); err != nil {
			return fmt.Errorf("job %s: %w", j.ID, err)
		}
		if j.EnqueuedAt.IsZero() {
			j.EnqueuedAt = now
		}
		batch[i] = j
	}

	if err := s.backend.Push(ctx, batch...); err != nil {
		if errors.Is(err, ErrQueueFull) {
			s.onDropped(now, batch)
		}
		return err
	}
	return nil
}

// Schedule enqueues job to run no earlier than delay from now.
func (s *Service) Schedule(ctx context.Context, delay time.Duration, job Job) error {
	if delay > 0 {
		job.NotBefore = s.now().Add(delay)
	}
	return s.Enqueue(ctx, job)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := s.backend.Stats(ctx)
	if err != nil && s.shouldWarn(&s.lastPopWarnAt, s.now()) {
		s.log.Warn("backend stats failed", logx.Err(err))
	}

	s.hmu.RLock()
	kinds := make([]string, 0, len(s.handlers))
	for k := range s.handlers {
		kinds = append(kinds, k)
	}
	s.hmu.RUnlock()
	sort.Strings(kinds)

	s.historyMu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.historyMu.Unlock()

	return Snapshot{
		Enabled:    cfg.Enabled,
		Running:    running,
		Workers:    cfg.Workers,
		JobTimeout: cfg.JobTimeout,
		InFlight:   int(s.inFlight.Load()),
		Backend:    st,
		Succeeded:  s.succeeded.Load(),
		Retried:    s.retried.Load(),
		Failed:     s.failed.Load(),
		Dropped:    s.dropped.Load(),
		Kinds:      kinds,
		History:    h,
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.historyMu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.historyMu.Unlock()
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onDropped(now time.Time, jobs []Job) {
	total := s.dropped.Add(uint64(len(jobs)))
	for _, j := range jobs {
		eventbus.Publish(s.bus, eventbus.JobDropped, eventbus.JobEvent{ID: j.ID, Kind: j.Kind, Name: j.Name, Attempt: j.Attempt, Err: ErrQueueFull.Error()})
		s.record(HistoryItem{ID: j.ID, Kind: j.Kind, Name: j.Name, Attempt: j.Attempt, Started: now, Outcome: OutcomeDropped, Error: ErrQueueFull.Error()})
	}
	if s.shouldWarn(&s.lastDropWarnAt, now) {
		s.log.Warn("jobs dropped: queue full",
			logx.Int("batch", len(jobs)),
			logx.String("kind", jobs[0].Kind),
			logx.Uint64("dropped_total", total),
		)
	}
}
