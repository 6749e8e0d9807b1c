package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
)

const commentSelectColumns = `id, task_id, organization_id, author_id, content, parent_comment_id,
	is_edited, version, vector_clock, checksum, last_modified_by, last_modified_device,
	created_at, updated_at, deleted_at`

// GetComment returns the comment with the given id, including soft-deleted.
func (s *Store) GetComment(ctx context.Context, id string) (*types.Comment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentSelectColumns+` FROM comments WHERE id = ?`, id)
	c, err := scanComment(row)
	if err != nil {
		return nil, wrapDBError("get comment", err)
	}
	return c, nil
}

// PutComment replaces the full stored record for a comment.
func (s *Store) PutComment(ctx context.Context, c *types.Comment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return putCommentTx(tx, c)
	})
}

func putCommentTx(tx *sql.Tx, c *types.Comment) error {
	clock, err := json.Marshal(c.VectorClock)
	if err != nil {
		return fmt.Errorf("marshal comment clock: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO comments (id, task_id, organization_id, author_id, content, parent_comment_id,
			is_edited, version, vector_clock, checksum, last_modified_by, last_modified_device,
			created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id=excluded.task_id, organization_id=excluded.organization_id,
			author_id=excluded.author_id, content=excluded.content,
			parent_comment_id=excluded.parent_comment_id, is_edited=excluded.is_edited,
			version=excluded.version, vector_clock=excluded.vector_clock, checksum=excluded.checksum,
			last_modified_by=excluded.last_modified_by, last_modified_device=excluded.last_modified_device,
			created_at=excluded.created_at, updated_at=excluded.updated_at, deleted_at=excluded.deleted_at`,
		c.ID, c.TaskID, c.OrganizationID, c.AuthorID, c.Content, c.ParentCommentID,
		c.IsEdited, c.Version, string(clock), c.Checksum, c.LastModifiedBy, c.LastModifiedDevice,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt), formatTimePtr(c.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("put comment: %w", err)
	}
	return nil
}

// SoftDeleteComment sets deleted_at on the comment and creates its
// tombstone in the same transaction.
func (s *Store) SoftDeleteComment(ctx context.Context, id, orgID, deletedBy, deletedFromDevice string, clock vclock.Clock, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return softDeleteEntityTx(tx, "comments", types.EntityComment, id, orgID, deletedBy, deletedFromDevice, clock, now)
	})
}

// CommentsForTask returns all non-tombstoned comments for taskID.
func (s *Store) CommentsForTask(ctx context.Context, taskID string) ([]*types.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+commentSelectColumns+` FROM comments
		WHERE task_id = ? AND deleted_at IS NULL ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, wrapDBError("query comments", err)
	}
	defer rows.Close()

	var out []*types.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, wrapDBError("scan comment", err)
		}
		out = append(out, c)
	}
	return out, wrapDBError("query comments", rows.Err())
}

// CascadeMarkChildrenDeleted soft-deletes every locally-present, not yet
// deleted comment of taskID without minting new tombstones, used when
// applying a tombstone *received* from the server: the parent tombstone
// already explains the deletion, so the device must not fabricate
// authoritative tombstones of its own for the children.
func (s *Store) CascadeMarkChildrenDeleted(ctx context.Context, taskID string, now time.Time) ([]string, error) {
	var affected []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM comments WHERE task_id = ? AND deleted_at IS NULL`, taskID)
		if err != nil {
			return fmt.Errorf("query children: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan child id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			res, err := tx.Exec(`UPDATE comments SET deleted_at = ?, updated_at = ? WHERE id = ?`,
				formatTime(now), formatTime(now), id)
			if err != nil {
				return fmt.Errorf("mark child comment deleted: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			affected = append(affected, id)
		}
		return nil
	})
	return affected, err
}

// CascadeSoftDeleteChildren soft-deletes every locally-present, not yet
// deleted comment of taskID and writes a tombstone for each, used when the
// *local* device is the one performing the delete.
func (s *Store) CascadeSoftDeleteChildren(ctx context.Context, taskID, orgID, deletedBy, deletedFromDevice string, clock vclock.Clock, now time.Time) ([]string, error) {
	var affected []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM comments WHERE task_id = ? AND deleted_at IS NULL`, taskID)
		if err != nil {
			return fmt.Errorf("query children: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan child id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if err := softDeleteEntityTx(tx, "comments", types.EntityComment, id, orgID, deletedBy, deletedFromDevice, clock, now); err != nil {
				return err
			}
			affected = append(affected, id)
		}
		return nil
	})
	return affected, err
}

// DeltaCommentsSince returns comments for tasks in orgID updated after
// watermark, excluding rows last modified by excludeDevice.
func (s *Store) DeltaCommentsSince(ctx context.Context, orgID string, watermark time.Time, excludeDevice string, limit int) ([]*types.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentSelectColumns+` FROM comments
		WHERE organization_id = ? AND updated_at > ? AND last_modified_device != ?
		ORDER BY updated_at ASC LIMIT ?`,
		orgID, formatTime(watermark), excludeDevice, limit)
	if err != nil {
		return nil, wrapDBError("delta comments", err)
	}
	defer rows.Close()

	var out []*types.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, wrapDBError("scan comment", err)
		}
		out = append(out, c)
	}
	return out, wrapDBError("delta comments", rows.Err())
}

func scanComment(row rowScanner) (*types.Comment, error) {
	var c types.Comment
	var authorID, parentCommentID, checksum, lastModifiedBy sql.NullString
	var deletedAt sql.NullString
	var clockJSON, createdAt, updatedAt string
	var isEdited int

	if err := row.Scan(
		&c.ID, &c.TaskID, &c.OrganizationID, &authorID, &c.Content, &parentCommentID,
		&isEdited, &c.Version, &clockJSON, &checksum, &lastModifiedBy, &c.LastModifiedDevice,
		&createdAt, &updatedAt, &deletedAt,
	); err != nil {
		return nil, err
	}

	if authorID.Valid {
		c.AuthorID = authorID.String
	}
	if parentCommentID.Valid {
		p := parentCommentID.String
		c.ParentCommentID = &p
	}
	c.IsEdited = isEdited != 0
	if checksum.Valid {
		c.Checksum = checksum.String
	}
	if lastModifiedBy.Valid {
		c.LastModifiedBy = lastModifiedBy.String
	}
	clock := vclock.Clock{}
	if err := json.Unmarshal([]byte(clockJSON), &clock); err != nil {
		return nil, fmt.Errorf("unmarshal comment clock: %w", err)
	}
	c.VectorClock = clock
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	c.DeletedAt = parseNullTime(deletedAt)
	return &c, nil
}
