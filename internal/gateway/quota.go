package gateway

import (
	"context"
	"sync"
	"time"
)

// quotaWindow enforces a fixed one-minute request budget. When the budget
// is spent, callers block until the window resets and then proceed. It is
// a cooperative throttle, distinct from the reactive circuit breaker.
type quotaWindow struct {
	mu      sync.Mutex
	limit   int
	count   int
	resetAt time.Time

	now func() time.Time
}

func newQuotaWindow(limit int) *quotaWindow {
	return &quotaWindow{limit: limit, now: time.Now}
}

// wait reserves one request slot, sleeping across window boundaries as
// needed. The mutex is never held while sleeping. Returns whether the
// caller had to wait.
func (w *quotaWindow) wait(ctx context.Context, sleep func(context.Context, time.Duration) error) (bool, error) {
	waited := false
	for {
		w.mu.Lock()
		now := w.now()
		if w.resetAt.IsZero() || now.After(w.resetAt) {
			w.count = 0
			w.resetAt = now.Add(time.Minute)
		}
		if w.count < w.limit {
			w.count++
			w.mu.Unlock()
			return waited, nil
		}
		// Budget spent: wait out the window plus a small safety margin so
		// the reset has definitely happened when we re-check.
		d := w.resetAt.Sub(now) + time.Second
		w.mu.Unlock()

		waited = true
		if err := sleep(ctx, d); err != nil {
			return waited, err
		}
	}
}

func (w *quotaWindow) snapshot() (count int, resetIn time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	resetIn = time.Until(w.resetAt)
	if resetIn < 0 {
		resetIn = 0
	}
	return w.count, resetIn
}
