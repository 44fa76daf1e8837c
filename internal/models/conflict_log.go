package models

import "time"

// ConflictAction is the choice taken for a version conflict.
type ConflictAction string

const (
	ActionOverwrite ConflictAction = "overwrite"
	ActionMerge     ConflictAction = "merge"
	ActionCancel    ConflictAction = "cancel"
)

// Valid reports whether a is a known action.
func (a ConflictAction) Valid() bool {
	switch a {
	case ActionOverwrite, ActionMerge, ActionCancel:
		return true
	}
	return false
}

// ActionFor maps an unattended strategy to the action it implies.
func ActionFor(s ConflictStrategy) ConflictAction {
	switch s {
	case StrategyClientWins:
		return ActionOverwrite
	case StrategyMerge:
		return ActionMerge
	default:
		return ActionCancel
	}
}

// ConflictLog records how a concurrent edit was settled, for user awareness.
// It is the outcome of a resolution, not the conflict itself.
type ConflictLog struct {
	ConflictID    string         `json:"conflictId"`
	Collection    string         `json:"collection"`
	EntityID      string         `json:"entityId"`
	LocalVersion  int64          `json:"localVersion"`
	ServerVersion int64          `json:"serverVersion"`
	Action        ConflictAction `json:"action"`
	Unattended    bool           `json:"unattended"`
	ResolvedAt    time.Time      `json:"resolvedAt"`
}
