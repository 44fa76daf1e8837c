package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/kimhsiao/incidentdesk/backend/internal/logging"
	"github.com/kimhsiao/incidentdesk/backend/internal/models"
)

// Cache stores CacheEntry records, one partition per collection. Cached data
// can always be refetched, so the *BestEffort writers log failures instead of
// returning them.
type Cache struct {
	store Store
	now   func() time.Time
}

// NewCache creates a Cache over s.
func NewCache(s Store) *Cache {
	return &Cache{store: s, now: time.Now}
}

// Get returns the cached entry or ErrNotFound.
func (c *Cache) Get(ctx context.Context, collection, id string) (*models.CacheEntry, error) {
	e, err := c.store.Get(ctx, CachePartition(collection), id)
	if err != nil {
		return nil, err
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(e.Value, &entry); err != nil {
		return nil, persistErr("decode", CachePartition(collection), err)
	}
	return &entry, nil
}

// Put writes rec into the cache.
func (c *Cache) Put(ctx context.Context, collection string, rec models.Record, dirty bool) error {
	entry := models.CacheEntry{
		Collection: collection,
		Record:     rec,
		CachedAt:   c.now(),
		Dirty:      dirty,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return persistErr("encode", CachePartition(collection), err)
	}
	return c.store.Put(ctx, CachePartition(collection), rec.ID, data)
}

// PutBestEffort is Put with the failure logged and dropped.
func (c *Cache) PutBestEffort(ctx context.Context, collection string, rec models.Record, dirty bool) {
	if err := c.Put(ctx, collection, rec, dirty); err != nil {
		logging.Warn("Cache write failed, continuing in memory", map[string]interface{}{
			"collection": collection,
			"entity_id":  rec.ID,
			"error":      err.Error(),
		})
	}
}

// Delete removes id from the cache.
func (c *Cache) Delete(ctx context.Context, collection, id string) error {
	return c.store.Delete(ctx, CachePartition(collection), id)
}

// DeleteBestEffort is Delete with the failure logged and dropped.
func (c *Cache) DeleteBestEffort(ctx context.Context, collection, id string) {
	if err := c.Delete(ctx, collection, id); err != nil {
		logging.Warn("Cache delete failed", map[string]interface{}{
			"collection": collection,
			"entity_id":  id,
			"error":      err.Error(),
		})
	}
}

// List returns every cached entry of collection ordered by id. Entries that
// fail to decode are skipped.
func (c *Cache) List(ctx context.Context, collection string) ([]models.CacheEntry, error) {
	entries, err := c.store.List(ctx, CachePartition(collection), nil)
	if err != nil {
		return nil, err
	}
	out := make([]models.CacheEntry, 0, len(entries))
	for _, e := range entries {
		var entry models.CacheEntry
		if err := json.Unmarshal(e.Value, &entry); err != nil {
			logging.Warn("Skipping undecodable cache entry", map[string]interface{}{
				"collection": collection,
				"key":        e.Key,
			})
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// ReplaceAll makes the cache mirror records. Entries for which keep returns
// true (local changes not yet confirmed) are left untouched, as are their
// server counterparts.
func (c *Cache) ReplaceAll(ctx context.Context, collection string, records []models.Record, keep func(id string) bool) error {
	existing, err := c.List(ctx, collection)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		seen[rec.ID] = true
		if keep != nil && keep(rec.ID) {
			continue
		}
		if err := c.Put(ctx, collection, rec, false); err != nil {
			return err
		}
	}
	for _, entry := range existing {
		id := entry.Record.ID
		if seen[id] || (keep != nil && keep(id)) {
			continue
		}
		if err := c.Delete(ctx, collection, id); err != nil && !stderrors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// Clear drops every cached entry of collection.
func (c *Cache) Clear(ctx context.Context, collection string) error {
	return c.store.ClearPartition(ctx, CachePartition(collection))
}
