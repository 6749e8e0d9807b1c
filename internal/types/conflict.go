package types

import (
	"encoding/json"
	"time"

	"github.com/replicore/core/internal/vclock"
)

// ResolutionStrategy records how a conflict was ultimately resolved.
type ResolutionStrategy string

const (
	ResolutionAutoResolved ResolutionStrategy = "auto_resolved"
	ResolutionLocalWins    ResolutionStrategy = "local_wins"
	ResolutionServerWins   ResolutionStrategy = "server_wins"
	ResolutionCustomMerge  ResolutionStrategy = "custom_merge"
)

// ConflictRecord is the server-side record of a manual-resolution conflict
//. ResolutionStrategy and the Resolved* fields stay
// zero-valued until a client resolves the conflict via
type ConflictRecord struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`

	LocalVersion  json.RawMessage `json:"localVersion"`
	ServerVersion json.RawMessage `json:"serverVersion"`

	LocalClock  vclock.Clock `json:"localClock"`
	ServerClock vclock.Clock `json:"serverClock"`

	ConflictReason string `json:"conflictReason"`

	ResolutionStrategy *ResolutionStrategy `json:"resolutionStrategy,omitempty"`
	ResolvedVersion    json.RawMessage     `json:"resolvedVersion,omitempty"`
	ResolvedBy         string              `json:"resolvedBy,omitempty"`
	ResolvedAt         *time.Time          `json:"resolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// IsResolved reports whether the conflict has been given a resolution.
func (c *ConflictRecord) IsResolved() bool {
	return c != nil && c.ResolutionStrategy != nil
}
