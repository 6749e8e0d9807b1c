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

const taskSelectColumns = `id, organization_id, project_id, title, description, status, priority,
	due_date, completed_at, position, assigned_to, tags, custom_fields, version, vector_clock,
	checksum, last_modified_by, last_modified_device, created_at, updated_at, deleted_at`

// GetTask returns the authoritative task with the given id.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, wrapDBError("get task", err)
	}
	return task, nil
}

// PutTask upserts the authoritative record for a task, used both for
// direct pushes that do not collide and for writing a resolver's merged
// result.
func (s *Store) PutTask(ctx context.Context, t *types.Task) error {
	clock, err := json.Marshal(t.VectorClock)
	if err != nil {
		return fmt.Errorf("marshal task clock: %w", err)
	}
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("marshal task tags: %w", err)
	}
	customFields := t.CustomFields
	if customFields == nil {
		customFields = json.RawMessage("null")
	}

	_, err = s.execContext(ctx, `
		INSERT INTO tasks (id, organization_id, project_id, title, description, status, priority,
			due_date, completed_at, position, assigned_to, tags, custom_fields, version, vector_clock,
			checksum, last_modified_by, last_modified_device, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			organization_id=VALUES(organization_id), project_id=VALUES(project_id),
			title=VALUES(title), description=VALUES(description), status=VALUES(status),
			priority=VALUES(priority), due_date=VALUES(due_date), completed_at=VALUES(completed_at),
			position=VALUES(position), assigned_to=VALUES(assigned_to), tags=VALUES(tags),
			custom_fields=VALUES(custom_fields), version=VALUES(version), vector_clock=VALUES(vector_clock),
			checksum=VALUES(checksum), last_modified_by=VALUES(last_modified_by),
			last_modified_device=VALUES(last_modified_device), updated_at=VALUES(updated_at),
			deleted_at=VALUES(deleted_at)`,
		t.ID, t.OrganizationID, nullIfEmpty(t.ProjectID), t.Title, t.Description, string(t.Status), string(t.Priority),
		t.DueDate, t.CompletedAt, nullIfEmpty(t.Position), t.AssignedTo, string(tags), string(customFields),
		t.Version, string(clock), nullIfEmpty(t.Checksum), nullIfEmpty(t.LastModifiedBy), t.LastModifiedDevice,
		t.CreatedAt, t.UpdatedAt, t.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

// DeltaTasksSince returns tasks for orgID updated after watermark and at
// or before until, excluding rows last touched by excludeDevice (the pull
// endpoint's own caller). The upper bound is the snapshot instant the
// caller returns as the next watermark: a write committing during the
// query window carries a later updated_at and surfaces on the next pull
// instead of silently falling below the watermark.
func (s *Store) DeltaTasksSince(ctx context.Context, orgID string, watermark, until time.Time, excludeDevice string, limit int) ([]*types.Task, error) {
	rows, err := s.queryContext(ctx, `
		SELECT `+taskSelectColumns+` FROM tasks
		WHERE organization_id = ? AND updated_at > ? AND updated_at <= ? AND last_modified_device != ?
		ORDER BY updated_at ASC LIMIT ?`,
		orgID, watermark, until, excludeDevice, limit)
	if err != nil {
		return nil, wrapDBError("delta tasks", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, wrapDBError("scan task", err)
		}
		out = append(out, t)
	}
	return out, wrapDBError("delta tasks", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var projectID, position, assignedTo, checksum, lastModifiedBy sql.NullString
	var description sql.NullString
	var dueDate, completedAt, deletedAt sql.NullTime
	var status, priority string
	var tagsJSON, customFieldsJSON, clockJSON []byte

	if err := row.Scan(
		&t.ID, &t.OrganizationID, &projectID, &t.Title, &description, &status, &priority,
		&dueDate, &completedAt, &position, &assignedTo, &tagsJSON, &customFieldsJSON, &t.Version, &clockJSON,
		&checksum, &lastModifiedBy, &t.LastModifiedDevice, &t.CreatedAt, &t.UpdatedAt, &deletedAt,
	); err != nil {
		return nil, err
	}

	t.Status = types.Status(status)
	t.Priority = types.Priority(priority)
	if projectID.Valid {
		t.ProjectID = projectID.String
	}
	if position.Valid {
		t.Position = position.String
	}
	if checksum.Valid {
		t.Checksum = checksum.String
	}
	if lastModifiedBy.Valid {
		t.LastModifiedBy = lastModifiedBy.String
	}
	if description.Valid {
		d := description.String
		t.Description = &d
	}
	if assignedTo.Valid {
		a := assignedTo.String
		t.AssignedTo = &a
	}
	if dueDate.Valid {
		d := dueDate.Time
		t.DueDate = &d
	}
	if completedAt.Valid {
		c := completedAt.Time
		t.CompletedAt = &c
	}
	if deletedAt.Valid {
		d := deletedAt.Time
		t.DeletedAt = &d
	}

	var tags []string
	if err := json.Unmarshal(tagsJSON, &tags); err != nil {
		return nil, fmt.Errorf("unmarshal task tags: %w", err)
	}
	t.Tags = tags

	if len(customFieldsJSON) > 0 && string(customFieldsJSON) != "null" {
		t.CustomFields = json.RawMessage(customFieldsJSON)
	}

	clock := vclock.Clock{}
	if err := json.Unmarshal(clockJSON, &clock); err != nil {
		return nil, fmt.Errorf("unmarshal task clock: %w", err)
	}
	t.VectorClock = clock

	return &t, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
