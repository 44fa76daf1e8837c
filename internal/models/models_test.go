// Package models tests for sync data model helpers.
package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_LockKey(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    string
	}{
		{"single entity", Payload{Collection: "incidents", EntityID: "inc-1"}, "incidents/inc-1"},
		{"bulk sorted", Payload{Collection: "incidents", IDs: []string{"b", "a", "c"}}, "incidents/bulk:a,b,c"},
		{"collection only", Payload{Collection: "alerts"}, "alerts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.payload.LockKey())
		})
	}
}

func TestPayload_LockKeyDoesNotReorderInput(t *testing.T) {
	p := Payload{Collection: "incidents", IDs: []string{"z", "a"}}
	_ = p.LockKey()
	assert.Equal(t, []string{"z", "a"}, p.IDs)
}

func TestPayload_Overlaps(t *testing.T) {
	single := Payload{Collection: "incidents", EntityID: "local-1"}
	bulk := Payload{Collection: "incidents", IDs: []string{"inc-2", "local-1"}}

	assert.NotEqual(t, single.LockKey(), bulk.LockKey())
	assert.True(t, single.Overlaps(bulk))
	assert.True(t, bulk.Overlaps(single))
	assert.False(t, bulk.Overlaps(Payload{Collection: "incidents", EntityID: "inc-3"}))
	assert.False(t, single.Overlaps(Payload{Collection: "alerts", EntityID: "local-1"}))
	assert.Equal(t, []string{"incidents/inc-2", "incidents/local-1"}, bulk.TargetKeys())
	assert.Equal(t, []string{"alerts"}, Payload{Collection: "alerts"}.TargetKeys())
}

func TestPayload_Clone(t *testing.T) {
	p := Payload{
		Collection: "incidents",
		IDs:        []string{"a"},
		Delta:      map[string]interface{}{"title": "x", "meta": map[string]interface{}{"k": "v"}},
	}
	c := p.Clone()
	c.IDs[0] = "changed"
	c.Delta["title"] = "y"
	c.Delta["meta"].(map[string]interface{})["k"] = "w"

	assert.Equal(t, "a", p.IDs[0])
	assert.Equal(t, "x", p.Delta["title"])
	assert.Equal(t, "v", p.Delta["meta"].(map[string]interface{})["k"])
}

func TestOperationKind_IsBulk(t *testing.T) {
	assert.True(t, KindBulkApprove.IsBulk())
	assert.True(t, KindBulkStatusChange.IsBulk())
	assert.False(t, KindUpdate.IsBulk())
	assert.False(t, KindSendAlert.IsBulk())
}

// The durable queue record keeps the field names UI code and older builds read.
func TestQueuedOperation_JSONShape(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	op := QueuedOperation{
		ID:         "op-1",
		Kind:       KindUpdate,
		Payload:    Payload{Collection: "incidents", EntityID: "inc-1"},
		QueuedAt:   at,
		SyncStatus: SyncStatusPending,
	}
	data, err := json.Marshal(op)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"id", "kind", "payload", "queuedAt", "syncStatus", "retryCount", "lastRetryAt"} {
		assert.Contains(t, raw, key)
	}
	assert.NotContains(t, raw, "lastError")
	assert.Nil(t, raw["lastRetryAt"])
}

func TestQueuedOperation_Clone(t *testing.T) {
	at := time.Now()
	op := &QueuedOperation{ID: "op-1", LastRetryAt: &at, Payload: Payload{IDs: []string{"a"}}}
	c := op.Clone()
	*c.LastRetryAt = at.Add(time.Hour)
	c.Payload.IDs[0] = "b"

	assert.Equal(t, at, *op.LastRetryAt)
	assert.Equal(t, "a", op.Payload.IDs[0])
}

func TestRecord_Apply(t *testing.T) {
	r := Record{ID: "inc-1"}
	r.Apply(map[string]interface{}{"status": "open"})
	r.Apply(map[string]interface{}{"status": "closed", "title": "t"})

	assert.Equal(t, "closed", r.Fields["status"])
	assert.Equal(t, "t", r.Fields["title"])

	c := r.Clone()
	c.Fields["status"] = "open"
	assert.Equal(t, "closed", r.Fields["status"])
}

func TestActionFor(t *testing.T) {
	assert.Equal(t, ActionCancel, ActionFor(StrategyServerWins))
	assert.Equal(t, ActionOverwrite, ActionFor(StrategyClientWins))
	assert.Equal(t, ActionMerge, ActionFor(StrategyMerge))
	assert.Equal(t, ActionCancel, ActionFor(""))
}

func TestValidity(t *testing.T) {
	assert.True(t, StrategyMerge.Valid())
	assert.False(t, ConflictStrategy("last-write").Valid())
	assert.True(t, ActionOverwrite.Valid())
	assert.False(t, ConflictAction("skip").Valid())
}
