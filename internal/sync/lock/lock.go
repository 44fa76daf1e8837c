// Package lock provides the per-entity operation lock that keeps two
// mutations of the same record from overlapping.
package lock

import (
	"sync"

	apperrors "github.com/kimhsiao/incidentdesk/backend/internal/errors"
	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
	"github.com/kimhsiao/incidentdesk/backend/internal/telemetry"
)

type lockKey struct {
	kind string
	key  string
}

// OperationLock is a non-blocking mutual exclusion keyed by (kind, entity key).
type OperationLock struct {
	mu      sync.Mutex
	held    map[lockKey]struct{}
	metrics *telemetry.Metrics
}

// New creates an OperationLock. metrics may be nil.
func New(metrics *telemetry.Metrics) *OperationLock {
	return &OperationLock{
		held:    make(map[lockKey]struct{}),
		metrics: metrics,
	}
}

// Acquire takes the lock for (kind, key) and reports whether it was free.
func (l *OperationLock) Acquire(kind, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := lockKey{kind, key}
	if _, busy := l.held[k]; busy {
		l.metrics.Contended()
		logging.Debug("Operation already in progress", map[string]interface{}{
			"kind": kind,
			"key":  key,
		})
		return false
	}
	l.held[k] = struct{}{}
	return true
}

// Release frees the lock for (kind, key). Releasing a free lock is a no-op.
func (l *OperationLock) Release(kind, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, lockKey{kind, key})
}

// Held reports whether (kind, key) is currently locked.
func (l *OperationLock) Held(kind, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[lockKey{kind, key}]
	return ok
}

// Do runs fn while holding (kind, key). It returns OPERATION_IN_PROGRESS
// without running fn when the lock is taken. The lock is released even if
// fn panics.
func (l *OperationLock) Do(kind, key string, fn func() error) error {
	if !l.Acquire(kind, key) {
		return apperrors.Newf(apperrors.ErrOperationInFlight, "%s on %s already in progress", kind, key)
	}
	defer l.Release(kind, key)
	return fn()
}
