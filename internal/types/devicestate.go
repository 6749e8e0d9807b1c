package types

import (
	"time"

	"github.com/replicore/core/internal/vclock"
)

// LocalState is the per-device singleton record tracking this device's
// replication progress. There is exactly one row of this shape in a
// device's local store.
type LocalState struct {
	DeviceID string `json:"deviceId"`

	// LocalClock is this device's own vector clock, incremented on every
	// local write.
	LocalClock vclock.Clock `json:"localClock"`

	// ServerClock is the last vector clock this device observed from the
	// server during a pull, used to compute the delta-query watermark.
	ServerClock vclock.Clock `json:"serverClock"`

	// LastSyncAt is the wall-clock time the last successful sync cycle
	// completed, regardless of whether it pushed or pulled anything.
	LastSyncAt *time.Time `json:"lastSyncAt"`
}
