package sync

import "time"

// EventType names an engine notification.
type EventType string

const (
	EventOperationQueued     EventType = "sync.operation_queued"
	EventOperationSynced     EventType = "sync.operation_synced"
	EventOperationFailed     EventType = "sync.operation_failed"
	EventOperationRejected   EventType = "sync.operation_rejected"
	EventConflictDetected    EventType = "sync.conflict_detected"
	EventConflictResolved    EventType = "sync.conflict_resolved"
	EventQueueOverflow       EventType = "sync.queue_overflow"
	EventConnectivityChanged EventType = "sync.connectivity_changed"
	EventFlushCompleted      EventType = "sync.flush_completed"
	EventCollectionRefreshed EventType = "sync.collection_refreshed"
	// EventCacheInvalidated relays a sibling process's change signal.
	EventCacheInvalidated EventType = "sync.cache_invalidated"
)

// SyncEvent is delivered to the handler set with SetEventHandler.
type SyncEvent struct {
	Type        EventType              `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	Collection  string                 `json:"collection,omitempty"`
	EntityID    string                 `json:"entityId,omitempty"`
	OperationID string                 `json:"operationId,omitempty"`
	Kind        string                 `json:"kind,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// SyncEventHandler receives engine events. It is called synchronously and
// must not block.
type SyncEventHandler func(SyncEvent)
