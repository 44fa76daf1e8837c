package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/kimhsiao/incidentdesk/backend/internal/models"
)

// MetadataStore persists per-collection SyncMetadata.
type MetadataStore struct {
	store Store
}

// NewMetadataStore creates a MetadataStore over s.
func NewMetadataStore(s Store) *MetadataStore {
	return &MetadataStore{store: s}
}

// Get returns the metadata of collection or ErrNotFound.
func (m *MetadataStore) Get(ctx context.Context, collection string) (models.SyncMetadata, error) {
	e, err := m.store.Get(ctx, PartitionSyncMeta, collection)
	if err != nil {
		return models.SyncMetadata{}, err
	}
	var meta models.SyncMetadata
	if err := json.Unmarshal(e.Value, &meta); err != nil {
		return models.SyncMetadata{}, persistErr("decode", PartitionSyncMeta, err)
	}
	return meta, nil
}

// Put writes meta.
func (m *MetadataStore) Put(ctx context.Context, meta models.SyncMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return persistErr("encode", PartitionSyncMeta, err)
	}
	return m.store.Put(ctx, PartitionSyncMeta, meta.Collection, data)
}

// Ensure returns the stored metadata of collection, creating it with strategy
// when absent. An existing record keeps its strategy.
func (m *MetadataStore) Ensure(ctx context.Context, collection string, strategy models.ConflictStrategy) (models.SyncMetadata, error) {
	meta, err := m.Get(ctx, collection)
	if err == nil {
		return meta, nil
	}
	if !stderrors.Is(err, ErrNotFound) {
		return models.SyncMetadata{}, err
	}
	if !strategy.Valid() {
		strategy = models.StrategyServerWins
	}
	meta = models.SyncMetadata{
		Collection:                 collection,
		Version:                    models.CurrentSchemaVersion,
		ConflictResolutionStrategy: strategy,
	}
	return meta, m.Put(ctx, meta)
}

// MarkSynced records a successful authoritative refresh of collection.
func (m *MetadataStore) MarkSynced(ctx context.Context, collection string, at time.Time) error {
	meta, err := m.Ensure(ctx, collection, models.StrategyServerWins)
	if err != nil {
		return err
	}
	at = at.UTC()
	meta.LastSyncedAt = &at
	return m.Put(ctx, meta)
}

// SetStrategy changes the unattended conflict strategy of collection.
func (m *MetadataStore) SetStrategy(ctx context.Context, collection string, strategy models.ConflictStrategy) error {
	meta, err := m.Ensure(ctx, collection, strategy)
	if err != nil {
		return err
	}
	meta.ConflictResolutionStrategy = strategy
	return m.Put(ctx, meta)
}

// Strategy returns the strategy of collection, server-wins when unknown or
// unreadable.
func (m *MetadataStore) Strategy(ctx context.Context, collection string) models.ConflictStrategy {
	meta, err := m.Get(ctx, collection)
	if err != nil || !meta.ConflictResolutionStrategy.Valid() {
		return models.StrategyServerWins
	}
	return meta.ConflictResolutionStrategy
}

// List returns all collection metadata.
func (m *MetadataStore) List(ctx context.Context) ([]models.SyncMetadata, error) {
	entries, err := m.store.List(ctx, PartitionSyncMeta, nil)
	if err != nil {
		return nil, err
	}
	out := make([]models.SyncMetadata, 0, len(entries))
	for _, e := range entries {
		var meta models.SyncMetadata
		if err := json.Unmarshal(e.Value, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}
