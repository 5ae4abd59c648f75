package storage

import (
	"context"
	"errors"
	"time"

	"newsletter/internal/newsletter"
)

var (
	// ErrNotFound is newsletter.ErrNotFound so callers can match either.
	ErrNotFound  = newsletter.ErrNotFound
	ErrDuplicate = errors.New("duplicate value")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only
}

type ListOptions struct {
	Limit  int
	Offset int
}

// Querier is the query surface shared by the store and its transactions.
type Querier interface {
	GetMessage(ctx context.Context, id int64) (newsletter.Message, error)
	ListMessages(ctx context.Context, opt ListOptions) ([]newsletter.Message, error)
	CreateMessage(ctx context.Context, m newsletter.Message) (newsletter.Message, error)
	// UpdateMessage writes content fields and scheduled_at. Status and report
	// are only changed through SetMessageState/TransitionStatus.
	UpdateMessage(ctx context.Context, m newsletter.Message) (newsletter.Message, error)
	DeleteMessage(ctx context.Context, id int64) error

	// SetMessageState writes status and report in one statement.
	SetMessageState(ctx context.Context, id int64, status newsletter.Status, report string) error
	// TransitionStatus moves the message to `to` only if its current status
	// is one of from. It reports whether the row changed. A from -> to pair
	// the status machine disallows fails with newsletter.ErrIllegalTransition
	// before touching the row.
	TransitionStatus(ctx context.Context, id int64, from []newsletter.Status, to newsletter.Status) (bool, error)
	// DueScheduled lists drafts whose scheduled_at is at or before now.
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]newsletter.Message, error)

	GetSubscriber(ctx context.Context, id int64) (newsletter.Subscriber, error)
	ListSubscribers(ctx context.Context, opt ListOptions) ([]newsletter.Subscriber, error)
	CreateSubscriber(ctx context.Context, s newsletter.Subscriber) (newsletter.Subscriber, error)
	UpdateSubscriber(ctx context.Context, s newsletter.Subscriber) (newsletter.Subscriber, error)
	DeleteSubscriber(ctx context.Context, id int64) error

	// EligibleSubscribers returns subscribers eligible for ch, ordered by id.
	EligibleSubscribers(ctx context.Context, ch newsletter.Channel) ([]newsletter.Subscriber, error)
}

type Store interface {
	Querier
	// InTx runs fn in a transaction. fn's error (or a panic) rolls back.
	InTx(ctx context.Context, fn func(q Querier) error) error
	Ping(ctx context.Context) error
	Close() error
}
