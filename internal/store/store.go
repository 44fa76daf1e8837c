// Package store provides the partitioned persistent key-value store that is
// the only path to disk for cached records, outbox entries and sync metadata.
package store

import (
	"context"
	stderrors "errors"
	"time"

	apperrors "github.com/kimhsiao/incidentdesk/backend/internal/errors"
)

// Well-known partitions.
const (
	PartitionOutbox   = "outbox"
	PartitionSyncMeta = "sync_meta"
	cachePrefix       = "cache:"
)

// CachePartition returns the partition holding cached records of collection.
func CachePartition(collection string) string {
	return cachePrefix + collection
}

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = stderrors.New("store: key not found")

// Entry is one stored value.
type Entry struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Predicate filters List results. A nil Predicate matches everything.
type Predicate func(Entry) bool

// Store is durable partitioned key-value storage. Implementations are safe
// for concurrent use. Errors other than ErrNotFound carry PERSISTENCE_FAILED.
type Store interface {
	Get(ctx context.Context, partition, key string) (Entry, error)
	Put(ctx context.Context, partition, key string, value []byte) error
	Delete(ctx context.Context, partition, key string) error
	// List returns matching entries ordered by key.
	List(ctx context.Context, partition string, pred Predicate) ([]Entry, error)
	ClearPartition(ctx context.Context, partition string) error
	Close() error
}

func persistErr(op, partition string, err error) error {
	return apperrors.Wrap(apperrors.ErrPersistence, op+" "+partition, err)
}

func validKey(partition, key string) error {
	if partition == "" || key == "" {
		return apperrors.New(apperrors.ErrInvalid, "partition and key are required")
	}
	return nil
}
