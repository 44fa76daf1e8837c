// Package sync provides the offline-first sync engine.
package sync

import (
	"context"

	"github.com/kimhsiao/incidentdesk/backend/internal/models"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/conflict"
	"github.com/kimhsiao/incidentdesk/backend/internal/sync/queue"
)

// SyncEngineInterface is the surface consumed by services and HTTP handlers.
// This interface allows for mocking in tests.
type SyncEngineInterface interface {
	// Mutate applies a mutation optimistically and commits it in the
	// background, or queues it while offline.
	Mutate(ctx context.Context, m Mutation) (*Pending, error)

	// Get returns a cached record, fetching it on a miss when online.
	Get(ctx context.Context, collection, id string) (*models.CacheEntry, error)

	// List returns the cached records of a collection.
	List(ctx context.Context, collection string) ([]models.CacheEntry, error)

	// Refresh re-fetches a collection from the remote.
	Refresh(ctx context.Context, collection string) error

	Flush(ctx context.Context) (queue.FlushReport, error)
	RetryFailed(ctx context.Context) (int, queue.FlushReport, error)
	RemoveOperation(ctx context.Context, id string) error
	Operations() []models.QueuedOperation

	PendingConflicts() []conflict.Conflict
	ResolveConflict(ctx context.Context, id string, action models.ConflictAction) (conflict.Outcome, error)
	SetInteractive(on bool)

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status(ctx context.Context) Status
}

var _ SyncEngineInterface = (*Engine)(nil)
