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

const commentSelectColumns = `id, task_id, organization_id, author_id, content, parent_comment_id,
	is_edited, version, vector_clock, checksum, last_modified_by, last_modified_device,
	created_at, updated_at, deleted_at`

// GetComment returns the authoritative comment with the given id.
func (s *Store) GetComment(ctx context.Context, id string) (*types.Comment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentSelectColumns+` FROM comments WHERE id = ?`, id)
	c, err := scanComment(row)
	if err != nil {
		return nil, wrapDBError("get comment", err)
	}
	return c, nil
}

// PutComment upserts the authoritative record for a comment.
func (s *Store) PutComment(ctx context.Context, c *types.Comment) error {
	clock, err := json.Marshal(c.VectorClock)
	if err != nil {
		return fmt.Errorf("marshal comment clock: %w", err)
	}

	_, err = s.execContext(ctx, `
		INSERT INTO comments (id, task_id, organization_id, author_id, content, parent_comment_id,
			is_edited, version, vector_clock, checksum, last_modified_by, last_modified_device,
			created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			task_id=VALUES(task_id), organization_id=VALUES(organization_id),
			author_id=VALUES(author_id), content=VALUES(content),
			parent_comment_id=VALUES(parent_comment_id), is_edited=VALUES(is_edited),
			version=VALUES(version), vector_clock=VALUES(vector_clock), checksum=VALUES(checksum),
			last_modified_by=VALUES(last_modified_by), last_modified_device=VALUES(last_modified_device),
			updated_at=VALUES(updated_at), deleted_at=VALUES(deleted_at)`,
		c.ID, c.TaskID, c.OrganizationID, nullIfEmpty(c.AuthorID), c.Content, c.ParentCommentID,
		c.IsEdited, c.Version, string(clock), nullIfEmpty(c.Checksum), nullIfEmpty(c.LastModifiedBy),
		c.LastModifiedDevice, c.CreatedAt, c.UpdatedAt, c.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("put comment: %w", err)
	}
	return nil
}

// CommentsForTask returns all non-tombstoned comments for taskID, oldest
// first.
func (s *Store) CommentsForTask(ctx context.Context, taskID string) ([]*types.Comment, error) {
	rows, err := s.queryContext(ctx, `SELECT `+commentSelectColumns+` FROM comments
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

// DeltaCommentsSince returns comments for tasks in orgID updated after
// watermark, excluding rows last touched by excludeDevice.
func (s *Store) DeltaCommentsSince(ctx context.Context, orgID string, watermark, until time.Time, excludeDevice string, limit int) ([]*types.Comment, error) {
	rows, err := s.queryContext(ctx, `
		SELECT `+commentSelectColumns+` FROM comments
		WHERE organization_id = ? AND updated_at > ? AND updated_at <= ? AND last_modified_device != ?
		ORDER BY updated_at ASC LIMIT ?`,
		orgID, watermark, until, excludeDevice, limit)
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
	var deletedAt sql.NullTime
	var clockJSON []byte
	var isEdited bool

	if err := row.Scan(
		&c.ID, &c.TaskID, &c.OrganizationID, &authorID, &c.Content, &parentCommentID,
		&isEdited, &c.Version, &clockJSON, &checksum, &lastModifiedBy, &c.LastModifiedDevice,
		&c.CreatedAt, &c.UpdatedAt, &deletedAt,
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
	c.IsEdited = isEdited
	if checksum.Valid {
		c.Checksum = checksum.String
	}
	if lastModifiedBy.Valid {
		c.LastModifiedBy = lastModifiedBy.String
	}
	if deletedAt.Valid {
		d := deletedAt.Time
		c.DeletedAt = &d
	}

	clock := vclock.Clock{}
	if err := json.Unmarshal(clockJSON, &clock); err != nil {
		return nil, fmt.Errorf("unmarshal comment clock: %w", err)
	}
	c.VectorClock = clock

	return &c, nil
}
