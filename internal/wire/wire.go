// Package wire defines the on-wire JSON shapes exchanged between a device
// and the server. Two independent implementations must agree on these
// bit-for-bit, so field names are fixed here and nowhere else: handlers and
// clients convert between these DTOs and the internal types instead of
// marshaling internal structs directly.
package wire

import (
	"encoding/json"
	"time"

	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
)

// Millis converts t to the millisecond epoch timestamps the protocol uses
// for watermarks and advisory clocks.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts a protocol millisecond timestamp back to UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Tombstone is the wire form of a tombstone. Its keys are snake_case,
// unlike the camelCase task/comment objects, because that is what the
// protocol prescribes.
type Tombstone struct {
	ID                string       `json:"id"`
	EntityType        string       `json:"entity_type"`
	EntityID          string       `json:"entity_id"`
	DeletedBy         string       `json:"deleted_by"`
	DeletedFromDevice string       `json:"deleted_from_device"`
	VectorClock       vclock.Clock `json:"vector_clock"`
	CreatedAt         time.Time    `json:"created_at"`
	ExpiresAt         time.Time    `json:"expires_at"`
}

// FromTombstone converts the internal record to its wire form. The
// organization scope is implied by the authenticated caller and is not
// transmitted.
func FromTombstone(t *types.Tombstone) Tombstone {
	return Tombstone{
		ID:                t.ID,
		EntityType:        string(t.EntityType),
		EntityID:          t.EntityID,
		DeletedBy:         t.DeletedBy,
		DeletedFromDevice: t.DeletedFromDevice,
		VectorClock:       vclock.Clone(t.VectorClock),
		CreatedAt:         t.CreatedAt,
		ExpiresAt:         t.ExpiresAt,
	}
}

// ToTombstone converts a wire tombstone back to the internal record,
// scoping it to orgID.
func (t Tombstone) ToTombstone(orgID string) *types.Tombstone {
	return &types.Tombstone{
		ID:                t.ID,
		EntityType:        types.EntityType(t.EntityType),
		EntityID:          t.EntityID,
		OrganizationID:    orgID,
		DeletedBy:         t.DeletedBy,
		DeletedFromDevice: t.DeletedFromDevice,
		VectorClock:       vclock.Clone(t.VectorClock),
		CreatedAt:         t.CreatedAt,
		ExpiresAt:         t.ExpiresAt,
	}
}

// PullResponse is the delta bundle: everything that changed for the
// caller's organization since its watermark, minus the caller's own writes.
type PullResponse struct {
	Tasks             []*types.Task     `json:"tasks"`
	Comments          []*types.Comment  `json:"comments"`
	Tombstones        []Tombstone       `json:"tombstones"`
	ServerVectorClock vclock.Clock      `json:"serverVectorClock"`
	HasMore           bool              `json:"hasMore"`
	Timestamp         int64             `json:"timestamp"`
}

// Change is one entry in a push batch: an operation plus the full entity
// payload snapshotted at enqueue time.
type Change struct {
	ID        string          `json:"id"`
	Operation types.Operation `json:"operation"`
	Data      json.RawMessage `json:"data"`
}

// Changes groups a push batch by entity type.
type Changes struct {
	Tasks    []Change `json:"tasks"`
	Comments []Change `json:"comments"`
}

// PushRequest is the batch upload. Timestamp is the client's wall
// clock and advisory only; the server never uses it for ordering.
type PushRequest struct {
	DeviceID    string       `json:"deviceId"`
	VectorClock vclock.Clock `json:"vectorClock"`
	Timestamp   int64        `json:"timestamp"`
	Changes     Changes      `json:"changes"`
}

// Conflict is one manual-resolution collision reported in a push response.
// ServerVersion carries the entity state the server retained.
type Conflict struct {
	EntityType        string          `json:"entityType"`
	EntityID          string          `json:"entityId"`
	ConflictReason    string          `json:"conflictReason"`
	ServerVersion     json.RawMessage `json:"serverVersion"`
	ServerVectorClock vclock.Clock    `json:"serverVectorClock"`
}

// OrphanRef identifies a pushed change dropped because its parent no longer
// exists server-side; the device acks the corresponding outbox entry.
type OrphanRef struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

// InvalidRef identifies a pushed change rejected as schema-invalid. The
// rejection is fatal for that entry alone; the rest of the batch is
// processed normally, so the device marks only the cited entries as
// permanently failed.
type InvalidRef struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Reason     string `json:"reason"`
}

// PushResponse is the result of a batch upload.
type PushResponse struct {
	Success           bool         `json:"success"`
	Processed         int          `json:"processed"`
	Conflicts         []Conflict   `json:"conflicts"`
	Orphaned          []OrphanRef  `json:"orphaned"`
	Invalid           []InvalidRef `json:"invalid"`
	ServerVectorClock vclock.Clock `json:"serverVectorClock"`
	Timestamp         int64        `json:"timestamp"`
}

// Resolution choices for
const (
	ResolutionLocal  = "local"
	ResolutionServer = "server"
	ResolutionCustom = "custom"
)

// ResolveRequest is the body for resolving a recorded conflict.
type ResolveRequest struct {
	Resolution       string          `json:"resolution"`
	CustomResolution json.RawMessage `json:"customResolution,omitempty"`
}

// ResolveResponse acknowledges a resolution and carries the entity state
// the server now holds.
type ResolveResponse struct {
	Success           bool            `json:"success"`
	ResolvedVersion   json.RawMessage `json:"resolvedVersion"`
	ServerVectorClock vclock.Clock    `json:"serverVectorClock"`
	Timestamp         int64           `json:"timestamp"`
}

// Error codes from the taxonomy.
const (
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeVersionConflict = "VERSION_CONFLICT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInternal        = "INTERNAL"
)

// ErrorResponse is the JSON envelope for any non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
