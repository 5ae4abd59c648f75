package pipeline

import (
	"sync"

	"newsletter/internal/newsletter"
	"newsletter/internal/task/engine"
)

// RetryPolicies picks the delivery retry policy per channel.
type RetryPolicies struct {
	Default    engine.RetryPolicy
	PerChannel map[newsletter.Channel]engine.RetryPolicy
}

func DefaultRetryPolicies() RetryPolicies {
	return RetryPolicies{Default: engine.DefaultRetryPolicy()}
}

func (p RetryPolicies) For(ch newsletter.Channel) engine.RetryPolicy {
	if rp, ok := p.PerChannel[ch]; ok {
		return rp
	}
	if p.Default.IsZero() {
		return engine.DefaultRetryPolicy()
	}
	return p.Default
}

// policyBox lets the retry policy be swapped on config reload.
type policyBox struct {
	mu sync.RWMutex
	p  RetryPolicies
}

func (b *policyBox) get() RetryPolicies {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.p
}

func (b *policyBox) set(p RetryPolicies) {
	b.mu.Lock()
	b.p = p
	b.mu.Unlock()
}
