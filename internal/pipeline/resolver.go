package pipeline

import (
	"context"
	"fmt"

	"newsletter/internal/newsletter"
	"newsletter/internal/storage"
)

// Recipients holds the eligible subscribers per channel, each ordered by id.
// A subscriber may appear under several channels.
type Recipients map[newsletter.Channel][]newsletter.Subscriber

func (r Recipients) Total() int {
	n := 0
	for _, subs := range r {
		n += len(subs)
	}
	return n
}

// Resolver selects eligible subscribers for the configured channels.
type Resolver struct {
	channels []newsletter.Channel
}

// NewResolver resolves for channels in the given order; none means all.
func NewResolver(channels ...newsletter.Channel) *Resolver {
	if len(channels) == 0 {
		channels = newsletter.Channels()
	}
	return &Resolver{channels: append([]newsletter.Channel(nil), channels...)}
}

func (r *Resolver) Channels() []newsletter.Channel {
	return append([]newsletter.Channel(nil), r.channels...)
}

// Resolve is read-only and deterministic for a fixed store snapshot.
func (r *Resolver) Resolve(ctx context.Context, q storage.Querier) (Recipients, error) {
	out := make(Recipients, len(r.channels))
	for _, ch := range r.channels {
		subs, err := q.EligibleSubscribers(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("resolve %s recipients: %w", ch, err)
		}
		// The store filters already; this keeps the rule in one place.
		kept := subs[:0]
		for _, s := range subs {
			if newsletter.Eligible(s, ch) {
				kept = append(kept, s)
			}
		}
		out[ch] = kept
	}
	return out, nil
}
