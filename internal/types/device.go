package types

import (
	"time"

	"github.com/replicore/core/internal/vclock"
)

// DeviceRecord is the server's registration of a device.
// ID is assigned by the server on first authentication and is distinct
// from the client-chosen Fingerprint used to discover/create this record.
type DeviceRecord struct {
	ID                string       `json:"id"`
	OwningUserID      string       `json:"owningUserId"`
	Fingerprint       string       `json:"fingerprint"`
	FriendlyName      string       `json:"friendlyName"`
	LastSeenClock     vclock.Clock `json:"lastSeenVectorClock"`
	LastSyncAt        *time.Time   `json:"lastSyncAt"`
	IsActive          bool         `json:"isActive"`
}

// SyncType distinguishes a pull cycle from a push cycle in the sync log.
type SyncType string

const (
	SyncTypePush SyncType = "push"
	SyncTypePull SyncType = "pull"
)

// SyncLogEntry is a per-cycle audit record.
type SyncLogEntry struct {
	ID                string        `json:"id"`
	DeviceID          string        `json:"deviceId"`
	UserID            string        `json:"userId"`
	Type              SyncType      `json:"type"`
	CountPushed       int           `json:"countPushed"`
	CountPulled       int           `json:"countPulled"`
	ConflictsDetected int           `json:"conflictsDetected"`
	ConflictsResolved int           `json:"conflictsResolved"`
	Duration          time.Duration `json:"duration"`
	Status            string        `json:"status"`
	Error             string        `json:"error,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
}
