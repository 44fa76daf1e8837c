package models

import "time"

// Record is a domain record as the engine sees it: an id, the server-assigned
// version, and opaque fields.
type Record struct {
	ID      string                 `json:"id"`
	Version int64                  `json:"version"`
	Fields  map[string]interface{} `json:"fields"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	r.Fields = CloneFields(r.Fields)
	return r
}

// Apply overlays delta onto the record's fields.
func (r *Record) Apply(delta map[string]interface{}) {
	if r.Fields == nil {
		r.Fields = make(map[string]interface{}, len(delta))
	}
	for k, v := range delta {
		r.Fields[k] = v
	}
}

// CacheEntry is a locally cached copy of a record. Dirty marks entries that
// carry optimistic changes not yet confirmed by the remote.
type CacheEntry struct {
	Collection string    `json:"collection"`
	Record     Record    `json:"record"`
	CachedAt   time.Time `json:"cachedAt"`
	Dirty      bool      `json:"dirty,omitempty"`
}
