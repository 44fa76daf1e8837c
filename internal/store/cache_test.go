package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/incidentdesk/backend/internal/models"
)

func newMemStore(t *testing.T) Store {
	t.Helper()
	s, err := NewBadgerStore(InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rec(id string, version int64, fields map[string]interface{}) models.Record {
	return models.Record{ID: id, Version: version, Fields: fields}
}

func TestCache_PutGet(t *testing.T) {
	c := NewCache(newMemStore(t))
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "incidents", rec("inc-1", 3, map[string]interface{}{"title": "x"}), true))

	got, err := c.Get(ctx, "incidents", "inc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Record.Version)
	assert.Equal(t, "x", got.Record.Fields["title"])
	assert.True(t, got.Dirty)
	assert.Equal(t, "incidents", got.Collection)
	assert.WithinDuration(t, time.Now(), got.CachedAt, time.Minute)

	_, err = c.Get(ctx, "alerts", "inc-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCache_ReplaceAllKeepsDirty(t *testing.T) {
	c := NewCache(newMemStore(t))
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "incidents", rec("a", 1, map[string]interface{}{"s": "old"}), false))
	require.NoError(t, c.Put(ctx, "incidents", rec("b", 1, map[string]interface{}{"s": "local"}), true))
	require.NoError(t, c.Put(ctx, "incidents", rec("gone", 1, nil), false))

	server := []models.Record{
		rec("a", 2, map[string]interface{}{"s": "new"}),
		rec("b", 2, map[string]interface{}{"s": "server"}),
		rec("c", 1, nil),
	}
	keep := func(id string) bool { return id == "b" }
	require.NoError(t, c.ReplaceAll(ctx, "incidents", server, keep))

	entries, err := c.List(ctx, "incidents")
	require.NoError(t, err)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Record.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	a, _ := c.Get(ctx, "incidents", "a")
	assert.Equal(t, "new", a.Record.Fields["s"])
	b, _ := c.Get(ctx, "incidents", "b")
	assert.Equal(t, "local", b.Record.Fields["s"])
	assert.True(t, b.Dirty)
}

func TestCache_Clear(t *testing.T) {
	c := NewCache(newMemStore(t))
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "incidents", rec("a", 1, nil), false))
	require.NoError(t, c.Clear(ctx, "incidents"))
	entries, err := c.List(ctx, "incidents")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCache_BestEffortSwallowsErrors(t *testing.T) {
	s, err := NewBadgerStore(InMemoryBadgerConfig())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	c := NewCache(s)
	assert.NotPanics(t, func() {
		c.PutBestEffort(context.Background(), "incidents", rec("a", 1, nil), false)
		c.DeleteBestEffort(context.Background(), "incidents", "a")
	})
}

func TestMetadataStore(t *testing.T) {
	m := NewMetadataStore(newMemStore(t))
	ctx := context.Background()

	assert.Equal(t, models.StrategyServerWins, m.Strategy(ctx, "incidents"))

	meta, err := m.Ensure(ctx, "incidents", models.StrategyMerge)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyMerge, meta.ConflictResolutionStrategy)
	assert.Equal(t, models.CurrentSchemaVersion, meta.Version)
	assert.Nil(t, meta.LastSyncedAt)

	// existing strategy wins over the Ensure argument
	meta, err = m.Ensure(ctx, "incidents", models.StrategyClientWins)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyMerge, meta.ConflictResolutionStrategy)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.MarkSynced(ctx, "incidents", at))
	meta, err = m.Get(ctx, "incidents")
	require.NoError(t, err)
	require.NotNil(t, meta.LastSyncedAt)
	assert.True(t, at.Equal(*meta.LastSyncedAt))

	require.NoError(t, m.SetStrategy(ctx, "incidents", models.StrategyClientWins))
	assert.Equal(t, models.StrategyClientWins, m.Strategy(ctx, "incidents"))

	all, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMetadataStore_EnsureInvalidStrategy(t *testing.T) {
	m := NewMetadataStore(newMemStore(t))
	meta, err := m.Ensure(context.Background(), "alerts", "bogus")
	require.NoError(t, err)
	assert.Equal(t, models.StrategyServerWins, meta.ConflictResolutionStrategy)
}
