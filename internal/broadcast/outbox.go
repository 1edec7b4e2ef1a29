package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// outboxKey derives the dedup key for one delivery: a recipient gets at
// most one message per resource per time bucket.
func outboxKey(recipientID int64, resourceKey string, bucket int64) string {
	return fmt.Sprintf("%d|%s|%d", recipientID, resourceKey, bucket)
}

// memOutbox is the default in-process DedupStore. Entries survive only for
// the process lifetime; a durable store (e.g. sheets.SQLiteStore) can be
// substituted without touching callers.
type memOutbox struct {
	mu sync.Mutex
	m  map[string]time.Time // key -> valid-until
}

func newMemOutbox() *memOutbox {
	return &memOutbox{m: make(map[string]time.Time)}
}

func (o *memOutbox) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	o.mu.Lock()
	o.m[key] = until
	o.mu.Unlock()
	return nil
}

func (o *memOutbox) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	o.mu.Lock()
	until, ok := o.m[key]
	o.mu.Unlock()
	return until, ok, nil
}

func (o *memOutbox) PruneDedup(_ context.Context, now time.Time) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for k, until := range o.m {
		if until.Before(now) {
			delete(o.m, k)
			n++
		}
	}
	return n, nil
}

func (o *memOutbox) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.m)
}
