package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"newsletter/internal/newsletter"
	logx "newsletter/pkg/logx"
)

const (
	defaultSchedule  = "@every 1m"
	defaultBatchSize = 100
	defaultTimeout   = time.Minute
)

// Config controls the scheduled-send sweep.
type Config struct {
	Enabled bool
	// Schedule accepts anything ParseSchedule does. Default "@every 1m".
	Schedule string
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
	// BatchSize caps the messages handled per sweep.
	BatchSize int
	// Timeout bounds one sweep.
	Timeout time.Duration
}

func (c Config) normalized() Config {
	if c.Schedule == "" {
		c.Schedule = defaultSchedule
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// DueSource lists drafts whose scheduled time has passed.
type DueSource interface {
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]newsletter.Message, error)
}

// Sender is satisfied by *pipeline.Trigger.
type Sender interface {
	RequestSend(ctx context.Context, id int64) (newsletter.Message, error)
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	due    DueSource
	sender Sender

	parser  cron.Parser
	c       *cron.Cron
	loc     *time.Location
	entryID cron.EntryID
	base    context.Context

	sweeping   atomic.Bool
	lastWarnAt int64

	smu         sync.Mutex
	lastSweep   time.Time
	lastQueued  int
	lastErr     string
	totalQueued uint64

	now func() time.Time
}

type Snapshot struct {
	Enabled     bool
	Running     bool
	Timezone    string
	Schedule    string
	Next        time.Time
	Prev        time.Time
	LastSweep   time.Time
	LastQueued  int
	LastError   string
	TotalQueued uint64
}
