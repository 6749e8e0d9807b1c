package serverstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
)

// withTx runs fn inside one transaction, committing on success and rolling
// back on error or panic. Per-entity push processing uses this so that an
// entity's soft-delete and its tombstone are durable together and so
// concurrent pushes from distinct devices serialize on the rows they
// touch.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}

// CascadeResult reports what a task soft-delete touched: the ids of child
// comments that were soft-deleted (and tombstoned) along with the task.
type CascadeResult struct {
	TaskTombstone     *types.Tombstone
	CommentIDs        []string
	CommentTombstones []*types.Tombstone
}

// SoftDeleteTaskCascade soft-deletes the task, writes its tombstone, and
// in the same transaction soft-deletes every not-yet-deleted child
// comment and writes a tombstone for each. clock is the authoritative
// post-merge clock stamped on every tombstone minted here.
func (s *Store) SoftDeleteTaskCascade(ctx context.Context, taskID, orgID, deletedBy, deletedFromDevice string, clock vclock.Clock, now time.Time) (*CascadeResult, error) {
	result := &CascadeResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
			now, now, taskID)
		if err != nil {
			return fmt.Errorf("soft-delete task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("soft-delete task rows affected: %w", err)
		}
		if affected == 0 {
			// Already deleted or never existed; the caller distinguishes
			// via a prior GetTask.
			return ErrNotFound
		}

		result.TaskTombstone = types.NewTombstone(types.EntityTask, taskID, orgID, deletedBy, deletedFromDevice, clock, now)
		if err := putTombstoneTx(ctx, tx, result.TaskTombstone); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `SELECT id FROM comments WHERE task_id = ? AND deleted_at IS NULL`, taskID)
		if err != nil {
			return fmt.Errorf("query child comments: %w", err)
		}
		var childIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan child comment id: %w", err)
			}
			childIDs = append(childIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate child comments: %w", err)
		}

		for _, id := range childIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE comments SET deleted_at = ?, updated_at = ? WHERE id = ?`,
				now, now, id); err != nil {
				return fmt.Errorf("soft-delete child comment %s: %w", id, err)
			}
			tomb := types.NewTombstone(types.EntityComment, id, orgID, deletedBy, deletedFromDevice, clock, now)
			if err := putTombstoneTx(ctx, tx, tomb); err != nil {
				return err
			}
			result.CommentIDs = append(result.CommentIDs, id)
			result.CommentTombstones = append(result.CommentTombstones, tomb)
		}
		return nil
	})
	if err != nil {
		return nil, wrapDBError("soft-delete task cascade", err)
	}
	return result, nil
}

// SoftDeleteComment soft-deletes one comment and writes its tombstone in
// the same transaction.
func (s *Store) SoftDeleteComment(ctx context.Context, commentID, orgID, deletedBy, deletedFromDevice string, clock vclock.Clock, now time.Time) (*types.Tombstone, error) {
	var tomb *types.Tombstone
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE comments SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
			now, now, commentID)
		if err != nil {
			return fmt.Errorf("soft-delete comment: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("soft-delete comment rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		tomb = types.NewTombstone(types.EntityComment, commentID, orgID, deletedBy, deletedFromDevice, clock, now)
		return putTombstoneTx(ctx, tx, tomb)
	})
	if err != nil {
		return nil, wrapDBError("soft-delete comment", err)
	}
	return tomb, nil
}

func putTombstoneTx(ctx context.Context, tx *sql.Tx, t *types.Tombstone) error {
	clock, err := json.Marshal(t.VectorClock)
	if err != nil {
		return fmt.Errorf("marshal tombstone clock: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tombstones (id, entity_type, entity_id, organization_id, deleted_by,
			deleted_from_device, vector_clock, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.EntityType), t.EntityID, t.OrganizationID, nullIfEmpty(t.DeletedBy),
		t.DeletedFromDevice, string(clock), t.CreatedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put tombstone: %w", err)
	}
	return nil
}

// OrgClock computes the organization-wide server vector clock: the
// pointwise max across every entity clock in the organization. Callers
// cache the result; this query is the cold path.
func (s *Store) OrgClock(ctx context.Context, orgID string) (vclock.Clock, error) {
	merged := vclock.Clock{}
	for _, table := range []string{"tasks", "comments"} {
		rows, err := s.queryContext(ctx, `SELECT vector_clock FROM `+table+` WHERE organization_id = ?`, orgID)
		if err != nil {
			return nil, wrapDBError("org clock", err)
		}
		for rows.Next() {
			var clockJSON string
			if err := rows.Scan(&clockJSON); err != nil {
				rows.Close()
				return nil, wrapDBError("scan org clock", err)
			}
			clock := vclock.Clock{}
			if err := json.Unmarshal([]byte(clockJSON), &clock); err != nil {
				rows.Close()
				return nil, fmt.Errorf("org clock: unmarshal entity clock: %w", err)
			}
			merged = vclock.Merge(merged, clock)
		}
		if err := rows.Close(); err != nil {
			return nil, wrapDBError("org clock", err)
		}
		if err := rows.Err(); err != nil {
			return nil, wrapDBError("org clock", err)
		}
	}
	return merged, nil
}
