package notifier

import (
	"context"
	"sync"
	"time"
)

const dedupMaxEntries = 2000

// Dedup suppresses an alert whose Key was delivered less than window ago.
// Failed deliveries are not remembered.
type Dedup struct {
	next   Notifier
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // key -> suppress until
}

func NewDedup(next Notifier, window time.Duration) *Dedup {
	return &Dedup{next: next, window: window, now: time.Now, seen: map[string]time.Time{}}
}

func (d *Dedup) Notify(ctx context.Context, a Alert) error {
	if d.window <= 0 {
		return d.next.Notify(ctx, a)
	}
	key := a.Key()
	now := d.now()
	d.mu.Lock()
	if until, ok := d.seen[key]; ok && now.Before(until) {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if err := d.next.Notify(ctx, a); err != nil {
		return err
	}

	d.mu.Lock()
	d.seen[key] = now.Add(d.window)
	d.pruneLocked(now)
	d.mu.Unlock()
	return nil
}

func (d *Dedup) pruneLocked(now time.Time) {
	for k, until := range d.seen {
		if !now.Before(until) {
			delete(d.seen, k)
		}
	}
	// Still over budget: drop the entries expiring soonest.
	for len(d.seen) > dedupMaxEntries {
		var minKey string
		var minT time.Time
		for k, t := range d.seen {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(d.seen, minKey)
	}
}
