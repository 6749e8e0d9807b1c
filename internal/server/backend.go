package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/replicore/core/internal/serverstore"
	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
)

// Backend is the slice of the authoritative store the sync endpoints use.
// *serverstore.Store satisfies it; tests substitute an in-memory fake.
type Backend interface {
	GetTask(ctx context.Context, id string) (*types.Task, error)
	PutTask(ctx context.Context, t *types.Task) error
	DeltaTasksSince(ctx context.Context, orgID string, watermark, until time.Time, excludeDevice string, limit int) ([]*types.Task, error)
	SoftDeleteTaskCascade(ctx context.Context, taskID, orgID, deletedBy, deletedFromDevice string, clock vclock.Clock, now time.Time) (*serverstore.CascadeResult, error)

	GetComment(ctx context.Context, id string) (*types.Comment, error)
	PutComment(ctx context.Context, c *types.Comment) error
	DeltaCommentsSince(ctx context.Context, orgID string, watermark, until time.Time, excludeDevice string, limit int) ([]*types.Comment, error)
	SoftDeleteComment(ctx context.Context, commentID, orgID, deletedBy, deletedFromDevice string, clock vclock.Clock, now time.Time) (*types.Tombstone, error)

	TombstonesSince(ctx context.Context, orgID string, watermark, until time.Time, excludeDevice string, limit int) ([]*types.Tombstone, error)
	PruneExpiredTombstones(ctx context.Context, now time.Time) (int64, error)

	CreateConflict(ctx context.Context, c *types.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*types.ConflictRecord, error)
	ResolveConflict(ctx context.Context, id string, strategy types.ResolutionStrategy, resolvedVersion json.RawMessage, resolvedBy string, resolvedAt time.Time) error

	GetDevice(ctx context.Context, id string) (*types.DeviceRecord, error)
	TouchDevice(ctx context.Context, id string, clock vclock.Clock, syncAt time.Time) error
	AppendSyncLog(ctx context.Context, entry *types.SyncLogEntry) error

	OrgClock(ctx context.Context, orgID string) (vclock.Clock, error)
}
