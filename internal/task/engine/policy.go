package engine

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
)

// defaultMaxDelay caps exponential growth when MaxDelay is unset.
const defaultMaxDelay = 30 * time.Minute

// RetryPolicy bounds how often and how soon a failed job is retried.
//
// A job runs at most 1+MaxRetries times.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	Strategy   Strategy      `json:"strategy"`
	Delay      time.Duration `json:"delay"`
	MaxDelay   time.Duration `json:"max_delay,omitempty"`
}

// DefaultRetryPolicy is two retries, two minutes apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Strategy: StrategyFixed, Delay: 120 * time.Second}
}

func (p RetryPolicy) IsZero() bool { return p == RetryPolicy{} }

func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	switch p.Strategy {
	case StrategyFixed, StrategyExponential:
	default:
		return fmt.Errorf("unknown retry strategy %q", p.Strategy)
	}
	if p.Delay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.Delay {
		return fmt.Errorf("max_delay (%s) must be >= delay (%s)", p.MaxDelay, p.Delay)
	}
	return nil
}

func (p RetryPolicy) maxDelay() time.Duration {
	if p.MaxDelay > 0 {
		return p.MaxDelay
	}
	return max(defaultMaxDelay, p.Delay)
}

// Next returns the delay before the attempt that follows failed attempt
// number `attempt` (1-based), or false when the budget is exhausted.
func (p RetryPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxRetries {
		return 0, false
	}
	if p.Strategy != StrategyExponential {
		return p.Delay, true
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.maxDelay()
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d, true
}

// delayFor combines the policy delay with an optional Retry-After hint.
func (p RetryPolicy) delayFor(attempt int, hint time.Duration) (time.Duration, bool) {
	d, ok := p.Next(attempt)
	if !ok {
		return 0, false
	}
	if hint > d {
		d = min(hint, p.maxDelay())
	}
	return d, true
}
