// Package channel delivers message content to one destination over email,
// SMS, or chat, and classifies provider failures.
package channel

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/time/rate"

	"newsletter/internal/newsletter"
)

// Receipt is the provider's id for an accepted message.
type Receipt string

type Sender interface {
	Channel() newsletter.Channel
	Send(ctx context.Context, destination string, c newsletter.Content) (Receipt, error)
}

// Senders maps each configured channel to its sender.
type Senders map[newsletter.Channel]Sender

func (s Senders) Get(ch newsletter.Channel) (Sender, bool) {
	snd, ok := s[ch]
	return snd, ok && snd != nil
}

// Throttled is a Sender whose rate limit can be changed while it is in use.
// A rate <= 0 lets every send through.
type Throttled struct {
	Sender
	lim atomic.Pointer[rate.Limiter]
}

func NewThrottled(s Sender, perSec float64, burst int) *Throttled {
	t := &Throttled{Sender: s}
	t.SetLimit(perSec, burst)
	return t
}

// SetLimit replaces the bucket. Sends already waiting keep the old one.
func (t *Throttled) SetLimit(perSec float64, burst int) {
	if perSec <= 0 {
		t.lim.Store(rate.NewLimiter(rate.Inf, 1))
		return
	}
	if burst <= 0 {
		burst = 1
	}
	t.lim.Store(rate.NewLimiter(rate.Limit(perSec), burst))
}

func (t *Throttled) Send(ctx context.Context, dst string, c newsletter.Content) (Receipt, error) {
	if err := t.lim.Load().Wait(ctx); err != nil {
		return "", Transient(t.Channel(), "rate_limit", fmt.Errorf("rate limit wait: %w", err))
	}
	return t.Sender.Send(ctx, dst, c)
}
