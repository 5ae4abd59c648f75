package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Config controls the job engine.
//
// The app layer maps config.queue into this struct.
type Config struct {
	Enabled bool
	Workers int

	// JobTimeout bounds one handler invocation. 0 disables it.
	JobTimeout time.Duration

	HistorySize int
}

// Job is a unit of work stored in a Backend.
//
// Payload is opaque to the engine; handlers registered for Kind decode it.
// Attempt is 1-based and increments on every retry. Lease is set by a
// backend that tracks popped jobs and is never stored with the job.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Name       string          `json:"name,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	Policy     RetryPolicy     `json:"policy"`
	NotBefore  time.Time       `json:"not_before,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Lease      string          `json:"-"`
}

// Handler executes one job attempt. Returning an error schedules a retry per
// the job's policy unless the error is wrapped with NoRetry.
type Handler func(ctx context.Context, job Job) error

// Outcome of one attempt, as recorded in history.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeDropped   Outcome = "dropped"
)

type HistoryItem struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Name       string        `json:"name,omitempty"`
	Attempt    int           `json:"attempt"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Outcome    Outcome       `json:"outcome"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled    bool          `json:"enabled"`
	Running    bool          `json:"running"`
	Workers    int           `json:"workers"`
	JobTimeout time.Duration `json:"job_timeout"`
	InFlight   int           `json:"in_flight"`

	Backend BackendStats `json:"backend"`

	Succeeded uint64 `json:"succeeded"`
	Retried   uint64 `json:"retried"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`

	Kinds   []string      `json:"kinds"`
	History []HistoryItem `json:"history"`
}
