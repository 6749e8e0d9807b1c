package store

import (
	"context"
	"fmt"
	"time"

	"github.com/replicore/core/internal/types"
)

// Sync status values tracked per entity row. Local writes start as
// "pending" (the schema default) and flip to "synced" once the server has
// acknowledged them or once the row was written from a pull.
const (
	SyncStatusPending = "pending"
	SyncStatusSynced  = "synced"
)

func tableFor(entityType types.EntityType) (string, error) {
	switch entityType {
	case types.EntityTask:
		return "tasks", nil
	case types.EntityComment:
		return "comments", nil
	default:
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
}

// MarkSynced flips an entity's sync status to "synced". Called after the
// server acknowledges a pushed change, and after a pulled entity is
// applied (a row that came from the server is by definition synced).
func (s *Store) MarkSynced(ctx context.Context, entityType types.EntityType, id string) error {
	table, err := tableFor(entityType)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE `+table+` SET sync_status = ? WHERE id = ?`, SyncStatusSynced, id)
	if err != nil {
		return wrapDBError("mark synced", err)
	}
	return nil
}

// MarkPending flips an entity's sync status back to "pending", used when a
// new local edit lands on an already-synced row.
func (s *Store) MarkPending(ctx context.Context, entityType types.EntityType, id string) error {
	table, err := tableFor(entityType)
	if err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE `+table+` SET sync_status = ? WHERE id = ?`, SyncStatusPending, id)
	if err != nil {
		return wrapDBError("mark pending", err)
	}
	return nil
}

// CleanupResult reports what a quota-driven cleanup removed.
type CleanupResult struct {
	TasksRemoved    int64
	CommentsRemoved int64
}

// CleanupSyncedBefore physically removes entities whose sync status is
// "synced" and whose updated_at is older than cutoff. Rows with a
// pending outbox entry are never touched: the outbox invariant says
// unacknowledged local changes must survive any cleanup. This is the only
// code path permitted to physically remove non-tombstone entities from
// the device.
func (s *Store) CleanupSyncedBefore(ctx context.Context, cutoff time.Time) (*CleanupResult, error) {
	result := &CleanupResult{}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM comments
		WHERE sync_status = ? AND updated_at < ?
		  AND id NOT IN (SELECT entity_id FROM outbox WHERE entity_type = 'comment')`,
		SyncStatusSynced, formatTime(cutoff))
	if err != nil {
		return nil, wrapDBError("cleanup comments", err)
	}
	result.CommentsRemoved, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE sync_status = ? AND updated_at < ?
		  AND id NOT IN (SELECT entity_id FROM outbox WHERE entity_type = 'task')
		  AND id NOT IN (SELECT DISTINCT task_id FROM comments)`,
		SyncStatusSynced, formatTime(cutoff))
	if err != nil {
		return nil, wrapDBError("cleanup tasks", err)
	}
	result.TasksRemoved, _ = res.RowsAffected()

	return result, nil
}
