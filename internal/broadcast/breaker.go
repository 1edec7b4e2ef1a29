package broadcast

import (
	"sync"
	"time"
)

// pipelineBreaker isolates the broadcast pipeline from its own repeated
// failures. Unlike the gateway's breaker it has no self-resetting
// cool-down: once open it blocks visible broadcasts until housekeeping
// observes a quiet period and closes it explicitly.
type pipelineBreaker struct {
	mu          sync.Mutex
	threshold   int
	quiet       time.Duration
	failures    int
	lastFailure time.Time
	open        bool
}

func newPipelineBreaker(threshold int, quiet time.Duration) *pipelineBreaker {
	return &pipelineBreaker{threshold: threshold, quiet: quiet}
}

func (b *pipelineBreaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// recordFailure counts one failure and reports whether this call opened
// the breaker.
func (b *pipelineBreaker) recordFailure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = now
	if !b.open && b.failures >= b.threshold {
		b.open = true
		return true
	}
	return false
}

// maybeReset closes the breaker if it is open and the quiet period has
// elapsed since the last failure. Called only from housekeeping.
func (b *pipelineBreaker) maybeReset(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return false
	}
	if b.lastFailure.IsZero() || now.Sub(b.lastFailure) <= b.quiet {
		return false
	}
	b.open = false
	b.failures = 0
	return true
}

func (b *pipelineBreaker) snapshot() (failures int, open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.open
}
