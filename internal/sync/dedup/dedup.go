// Package dedup collapses identical read requests issued in quick succession.
// It is for idempotent reads only; mutations go through the operation lock.
package dedup

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
	"github.com/kimhsiao/incidentdesk/backend/internal/telemetry"
)

// Deduplicator remembers when each request key was last recorded.
type Deduplicator struct {
	window  time.Duration
	metrics *telemetry.Metrics
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time

	group singleflight.Group
}

// New creates a Deduplicator with the given window. metrics may be nil.
func New(window time.Duration, metrics *telemetry.Metrics) *Deduplicator {
	return &Deduplicator{
		window:  window,
		metrics: metrics,
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
}

// SetClock replaces the time source. Used by tests.
func (d *Deduplicator) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// IsDuplicate reports whether key was recorded less than the window ago.
func (d *Deduplicator) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isDuplicateLocked(key)
}

func (d *Deduplicator) isDuplicateLocked(key string) bool {
	at, ok := d.seen[key]
	if !ok {
		return false
	}
	if d.now().Sub(at) < d.window {
		return true
	}
	delete(d.seen, key)
	return false
}

// Record marks key as issued now.
func (d *Deduplicator) Record(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = d.now()
	d.pruneLocked()
}

// Clear forgets key so the next request goes through.
func (d *Deduplicator) Clear(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// pruneLocked drops expired keys once the map grows.
func (d *Deduplicator) pruneLocked() {
	if len(d.seen) < 256 {
		return
	}
	now := d.now()
	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}
}

// Do runs fn for key unless key was recorded within the window, in which case
// it returns (false, nil) without running fn. Concurrent calls for the same
// key share one execution. A failed fn clears the key so a retry is not
// suppressed.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	d.mu.Lock()
	if d.isDuplicateLocked(key) {
		d.mu.Unlock()
		d.metrics.DedupHit()
		logging.Debug("Duplicate request suppressed", map[string]interface{}{"key": key})
		return false, nil
	}
	d.mu.Unlock()

	_, err, shared := d.group.Do(key, func() (interface{}, error) {
		d.Record(key)
		if err := fn(ctx); err != nil {
			d.Clear(key)
			return nil, err
		}
		return nil, nil
	})
	if shared {
		d.metrics.DedupHit()
	}
	return true, err
}
