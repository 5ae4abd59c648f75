package app

import (
	"fmt"
	"strings"
	"time"

	"newsletter/internal/api"
	"newsletter/internal/config"
	"newsletter/internal/newsletter"
	"newsletter/internal/observability/ops"
	"newsletter/internal/pipeline"
	"newsletter/internal/storage"
	"newsletter/internal/task/engine"
	"newsletter/internal/task/scheduler"
	logx "newsletter/pkg/logx"
)

const (
	defaultQueueSize    = 1024
	defaultJobTimeout   = time.Minute
	defaultPollInterval = time.Second
	defaultLease        = 5 * time.Minute
	defaultSenderTO     = 15 * time.Second
	defaultSkew         = 30 * time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{Level: cfg.Logging.Level, Console: cfg.Logging.Console}
	if cfg.Logging.File.Enabled {
		lc.FilePath = strings.TrimSpace(cfg.Logging.File.Path)
		if lc.FilePath == "" {
			lc.FilePath = "./newsletter.log"
		}
	}
	return lc
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxOpenConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_open_conns must be >= 0")
		}
		return storage.Config{Driver: driver, DSN: strings.TrimSpace(sc.DSN), MaxOpenConns: sc.MaxOpenConns}, nil
	case "":
		return storage.Config{}, fmt.Errorf("storage.driver is required")
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// queueSettings is the backend half of the queue section.
type queueSettings struct {
	Backend      string
	Capacity     int
	RedisURL     string
	RedisPrefix  string
	PollInterval time.Duration
	Lease        time.Duration
}

func mapQueueConfig(cfg *config.Config) (engine.Config, queueSettings, error) {
	q := cfg.Queue
	if q.Workers < 0 {
		return engine.Config{}, queueSettings{}, fmt.Errorf("queue.workers must be >= 0")
	}
	if q.QueueSize < 0 {
		return engine.Config{}, queueSettings{}, fmt.Errorf("queue.queue_size must be >= 0")
	}
	if q.HistorySize < 0 {
		return engine.Config{}, queueSettings{}, fmt.Errorf("queue.history_size must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("queue.job_timeout", q.JobTimeout, defaultJobTimeout)
	if err != nil {
		return engine.Config{}, queueSettings{}, err
	}
	poll, err := config.ParseDurationOrDefault("queue.poll_interval", q.PollInterval, defaultPollInterval)
	if err != nil {
		return engine.Config{}, queueSettings{}, err
	}
	lease, err := config.ParseDurationOrDefault("queue.lease", q.Lease, defaultLease)
	if err != nil {
		return engine.Config{}, queueSettings{}, err
	}
	if lease <= 0 {
		lease = defaultLease
	}
	// A lease shorter than one attempt would hand a running job to a second worker.
	if timeout > 0 && lease <= timeout {
		return engine.Config{}, queueSettings{}, fmt.Errorf("queue.lease (%s) must exceed queue.job_timeout (%s)", lease, timeout)
	}

	qs := queueSettings{
		Backend:      strings.ToLower(strings.TrimSpace(q.Backend)),
		Capacity:     q.QueueSize,
		RedisURL:     strings.TrimSpace(q.RedisURL),
		RedisPrefix:  strings.TrimSpace(q.RedisPrefix),
		PollInterval: poll,
		Lease:        lease,
	}
	switch qs.Backend {
	case "", "memory":
		qs.Backend = "memory"
		if qs.Capacity == 0 {
			qs.Capacity = defaultQueueSize
		}
	case "redis":
		if qs.RedisURL == "" {
			return engine.Config{}, queueSettings{}, fmt.Errorf("queue.redis_url is required when queue.backend=redis")
		}
	default:
		return engine.Config{}, queueSettings{}, fmt.Errorf("unknown queue.backend: %s", q.Backend)
	}

	// Dispatch depends on the engine, so it is always on.
	return engine.Config{
		Enabled:     true,
		Workers:     q.Workers,
		JobTimeout:  timeout,
		HistorySize: q.HistorySize,
	}, qs, nil
}

func mapRetryPolicies(cfg *config.Config) (pipeline.RetryPolicies, error) {
	def, err := mapRetryPolicy("retry.default", cfg.Retry.Default, engine.DefaultRetryPolicy())
	if err != nil {
		return pipeline.RetryPolicies{}, err
	}
	out := pipeline.RetryPolicies{Default: def}
	for name, rc := range cfg.Retry.Channels {
		ch, err := newsletter.ParseChannel(name)
		if err != nil {
			return pipeline.RetryPolicies{}, fmt.Errorf("retry.channels: %w", err)
		}
		p, err := mapRetryPolicy("retry.channels."+name, rc, def)
		if err != nil {
			return pipeline.RetryPolicies{}, err
		}
		if out.PerChannel == nil {
			out.PerChannel = map[newsletter.Channel]engine.RetryPolicy{}
		}
		out.PerChannel[ch] = p
	}
	return out, nil
}

// mapRetryPolicy overlays the set fields of rc on base.
func mapRetryPolicy(path string, rc config.RetryPolicyConfig, base engine.RetryPolicy) (engine.RetryPolicy, error) {
	p := base
	if rc.MaxRetries != nil {
		p.MaxRetries = *rc.MaxRetries
	}
	if s := strings.ToLower(strings.TrimSpace(rc.Strategy)); s != "" {
		p.Strategy = engine.Strategy(s)
	}
	if strings.TrimSpace(rc.Delay) != "" {
		d, err := config.ParseDurationField(path+".delay", rc.Delay)
		if err != nil {
			return engine.RetryPolicy{}, err
		}
		p.Delay = d
	}
	if strings.TrimSpace(rc.MaxDelay) != "" {
		d, err := config.ParseDurationField(path+".max_delay", rc.MaxDelay)
		if err != nil {
			return engine.RetryPolicy{}, err
		}
		p.MaxDelay = d
	}
	if err := p.Validate(); err != nil {
		return engine.RetryPolicy{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	if sc.BatchSize < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.batch_size must be >= 0")
	}
	if _, err := config.ParseLocation("scheduler.timezone", sc.Timezone); err != nil {
		return scheduler.Config{}, err
	}
	if sweep := strings.TrimSpace(sc.Sweep); sweep != "" {
		if _, err := scheduler.ParseSchedule(sweep); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.sweep: %w", err)
		}
	}
	return scheduler.Config{
		Enabled:   sc.Enabled,
		Schedule:  strings.TrimSpace(sc.Sweep),
		Timezone:  strings.TrimSpace(sc.Timezone),
		BatchSize: sc.BatchSize,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (api.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 30*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:      h.Enabled,
		Addr:         strings.TrimSpace(h.Addr),
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// 0 keeps /debug/pprof/profile usable.
	write, err := config.ParseDurationField("ops.write_timeout", o.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	if o.MutexProfileFraction < 0 || o.BlockProfileRate < 0 {
		return ops.Config{}, fmt.Errorf("ops: profile rates must be >= 0")
	}
	return ops.Config{
		Enabled:              o.Enabled,
		Addr:                 strings.TrimSpace(o.Addr),
		PprofPrefix:          strings.TrimSpace(o.PprofPrefix),
		Token:                strings.TrimSpace(o.Token),
		AllowInsecure:        o.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}, nil
}

// validate checks everything a reload would apply. Restart-only sections are
// checked too so a bad edit is reported while the old process still runs.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetryPolicies(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return validateChannels(cfg)
}
