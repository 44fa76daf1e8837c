package models

import "time"

// ConflictStrategy is the unattended conflict policy of a collection.
type ConflictStrategy string

const (
	StrategyServerWins ConflictStrategy = "server-wins"
	StrategyClientWins ConflictStrategy = "client-wins"
	StrategyMerge      ConflictStrategy = "merge"
)

// Valid reports whether s is a known strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyServerWins, StrategyClientWins, StrategyMerge:
		return true
	}
	return false
}

// SyncMetadata is per-collection sync bookkeeping.
type SyncMetadata struct {
	Collection                 string           `json:"collection"`
	LastSyncedAt               *time.Time       `json:"lastSyncedAt,omitempty"`
	Version                    int              `json:"version"`
	ConflictResolutionStrategy ConflictStrategy `json:"conflictResolutionStrategy"`
}

// CurrentSchemaVersion is written into new SyncMetadata records.
const CurrentSchemaVersion = 1
