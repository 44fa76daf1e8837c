// Package uuid provides identifier generation for queued operations, conflicts,
// contexts, and locally created records.
package uuid

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// LocalPrefix marks record ids minted on this device before the remote has
// assigned a permanent id.
const LocalPrefix = "local-"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewLocalID generates a provisional record id for an optimistic create.
func NewLocalID() string {
	return LocalPrefix + New()
}

// IsLocal reports whether id was minted by NewLocalID.
func IsLocal(id string) bool {
	return strings.HasPrefix(id, LocalPrefix) && IsValid(strings.TrimPrefix(id, LocalPrefix))
}

// IsValid checks if a string is a valid UUID v4 in canonical dashed form.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}
