// Package models provides data model definitions for the sync engine.
package models

import (
	"sort"
	"strings"
	"time"
)

// OperationKind tags the mutation a QueuedOperation carries. The set is open:
// domain code may register handlers for additional kinds.
type OperationKind string

const (
	KindCreate           OperationKind = "create"
	KindUpdate           OperationKind = "update"
	KindDelete           OperationKind = "delete"
	KindBulkApprove      OperationKind = "bulk-approve"
	KindBulkReject       OperationKind = "bulk-reject"
	KindBulkDelete       OperationKind = "bulk-delete"
	KindBulkStatusChange OperationKind = "bulk-status-change"
	KindSendAlert        OperationKind = "send-alert"
)

// IsBulk reports whether the kind targets a list of ids rather than one entity.
func (k OperationKind) IsBulk() bool {
	return strings.HasPrefix(string(k), "bulk-")
}

// SyncStatus is the outbox state of a queued operation.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// Payload is the kind-specific body of a mutation. Fields a kind does not use
// stay empty.
type Payload struct {
	Collection  string                 `json:"collection"`
	EntityID    string                 `json:"entityId,omitempty"`
	IDs         []string               `json:"ids,omitempty"`
	BaseVersion int64                  `json:"baseVersion,omitempty"`
	Delta       map[string]interface{} `json:"delta,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// LockKey identifies the entity (or entity set) a mutation targets. Bulk
// payloads key on their sorted id list so the same selection collides.
func (p Payload) LockKey() string {
	if p.EntityID != "" {
		return p.Collection + "/" + p.EntityID
	}
	if len(p.IDs) > 0 {
		ids := append([]string(nil), p.IDs...)
		sort.Strings(ids)
		return p.Collection + "/bulk:" + strings.Join(ids, ",")
	}
	return p.Collection
}

// Targets returns every entity id the payload touches.
func (p Payload) Targets() []string {
	if p.EntityID != "" {
		return []string{p.EntityID}
	}
	return p.IDs
}

// TargetKeys returns one collection-scoped key per target entity. A payload
// without targets keys on its collection.
func (p Payload) TargetKeys() []string {
	targets := p.Targets()
	if len(targets) == 0 {
		return []string{p.Collection}
	}
	keys := make([]string, len(targets))
	for i, id := range targets {
		keys[i] = p.Collection + "/" + id
	}
	return keys
}

// Overlaps reports whether p and o touch at least one common entity.
func (p Payload) Overlaps(o Payload) bool {
	if p.Collection != o.Collection {
		return false
	}
	mine := p.TargetKeys()
	for _, k := range o.TargetKeys() {
		for _, m := range mine {
			if k == m {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy of the payload's maps and slices.
func (p Payload) Clone() Payload {
	out := p
	out.IDs = append([]string(nil), p.IDs...)
	out.Delta = CloneFields(p.Delta)
	out.Extra = CloneFields(p.Extra)
	return out
}

// QueuedOperation is the durable record of one pending mutation.
type QueuedOperation struct {
	ID                 string        `json:"id"`
	Kind               OperationKind `json:"kind"`
	Payload            Payload       `json:"payload"`
	QueuedAt           time.Time     `json:"queuedAt"`
	SyncStatus         SyncStatus    `json:"syncStatus"`
	RetryCount         int           `json:"retryCount"`
	LastRetryAt        *time.Time    `json:"lastRetryAt"`
	LastError          string        `json:"lastError,omitempty"`
	Seq                uint64        `json:"seq"`
	AwaitingResolution bool          `json:"awaitingResolution,omitempty"`
}

// Clone returns a copy that shares no mutable state with op.
func (op *QueuedOperation) Clone() *QueuedOperation {
	out := *op
	out.Payload = op.Payload.Clone()
	if op.LastRetryAt != nil {
		t := *op.LastRetryAt
		out.LastRetryAt = &t
	}
	return &out
}

// CloneFields deep-copies a field map one level down (nested maps are copied,
// scalars shared).
func CloneFields(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = CloneFields(nested)
			continue
		}
		out[k] = v
	}
	return out
}
