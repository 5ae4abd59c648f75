package channel

import (
	"errors"
	"fmt"
	"time"

	"newsletter/internal/newsletter"
)

// Kind classifies a send failure. The set is closed.
type Kind int

const (
	// KindTransient may succeed on retry: network, timeouts, throttling, 5xx.
	KindTransient Kind = iota
	// KindPermanent will fail again for the same input.
	KindPermanent
	// KindInvalidDestination means the address itself was rejected.
	KindInvalidDestination
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindInvalidDestination:
		return "invalid_destination"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified provider failure.
type Error struct {
	Kind    Kind
	Channel newsletter.Channel
	// Code is the provider status or error code, if any.
	Code string
	Err  error
	// RetryAfter is the provider's requested backoff, 0 if none.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Channel, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Channel, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(ch newsletter.Channel, code string, err error) *Error {
	return &Error{Kind: KindTransient, Channel: ch, Code: code, Err: err}
}

func Permanent(ch newsletter.Channel, code string, err error) *Error {
	return &Error{Kind: KindPermanent, Channel: ch, Code: code, Err: err}
}

func InvalidDestination(ch newsletter.Channel, code string, err error) *Error {
	return &Error{Kind: KindInvalidDestination, Channel: ch, Code: code, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are
// transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// RetryAfterOf returns the provider's requested backoff, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
