package types

import (
	"time"

	"github.com/replicore/core/internal/vclock"
)

// EntityType distinguishes the two replicated entity kinds.
type EntityType string

const (
	EntityTask    EntityType = "task"
	EntityComment EntityType = "comment"
)

// TombstoneTTL is the duration after creation a tombstone is retained before
// the background sweep physically removes it.
const TombstoneTTL = 90 * 24 * time.Hour

// Tombstone announces that an entity has been soft-deleted, so peers can
// drop their local copies.
type Tombstone struct {
	ID               string       `json:"id"`
	EntityType       EntityType   `json:"entityType"`
	EntityID         string       `json:"entityId"`
	OrganizationID   string       `json:"organizationId"`
	DeletedBy        string       `json:"deletedBy"`
	DeletedFromDevice string      `json:"deletedFromDevice"`
	VectorClock      vclock.Clock `json:"vectorClock"`
	CreatedAt        time.Time    `json:"createdAt"`
	ExpiresAt        time.Time    `json:"expiresAt"`
}

// NewTombstone builds a tombstone for entity, stamping ExpiresAt as
// createdAt + TombstoneTTL.
func NewTombstone(entityType EntityType, entityID, orgID, deletedBy, deletedFromDevice string, clock vclock.Clock, createdAt time.Time) *Tombstone {
	return &Tombstone{
		ID:                NewID(),
		EntityType:        entityType,
		EntityID:          entityID,
		OrganizationID:    orgID,
		DeletedBy:         deletedBy,
		DeletedFromDevice: deletedFromDevice,
		VectorClock:       vclock.Clone(clock),
		CreatedAt:         createdAt,
		ExpiresAt:         createdAt.Add(TombstoneTTL),
	}
}

// IsExpired reports whether the tombstone has exceeded its TTL as of now.
func (t *Tombstone) IsExpired(now time.Time) bool {
	return t != nil && now.After(t.ExpiresAt)
}
