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

const taskSelectColumns = `id, organization_id, project_id, title, description, status, priority,
	due_date, completed_at, position, assigned_to, tags, custom_fields,
	version, vector_clock, checksum, last_modified_by, last_modified_device,
	created_at, updated_at, deleted_at`

// GetTask returns the task with the given id, including a soft-deleted one.
// Returns ErrNotFound if no such task exists locally.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, wrapDBError("get task", err)
	}
	return task, nil
}

// PutTask replaces the full stored record for a task, inserting it if
// absent.
func (s *Store) PutTask(ctx context.Context, t *types.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return putTaskTx(tx, t)
	})
}

func putTaskTx(tx *sql.Tx, t *types.Task) error {
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	clock, err := json.Marshal(t.VectorClock)
	if err != nil {
		return fmt.Errorf("marshal vector clock: %w", err)
	}

	var customFields any
	if t.CustomFields != nil {
		customFields = string(t.CustomFields)
	}

	_, err = tx.Exec(`
		INSERT INTO tasks (id, organization_id, project_id, title, description, status, priority,
			due_date, completed_at, position, assigned_to, tags, custom_fields,
			version, vector_clock, checksum, last_modified_by, last_modified_device,
			created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization_id=excluded.organization_id, project_id=excluded.project_id,
			title=excluded.title, description=excluded.description, status=excluded.status,
			priority=excluded.priority, due_date=excluded.due_date, completed_at=excluded.completed_at,
			position=excluded.position, assigned_to=excluded.assigned_to, tags=excluded.tags,
			custom_fields=excluded.custom_fields, version=excluded.version,
			vector_clock=excluded.vector_clock, checksum=excluded.checksum,
			last_modified_by=excluded.last_modified_by, last_modified_device=excluded.last_modified_device,
			created_at=excluded.created_at, updated_at=excluded.updated_at, deleted_at=excluded.deleted_at`,
		t.ID, t.OrganizationID, nullIfEmpty(t.ProjectID), t.Title, t.Description, string(t.Status), string(t.Priority),
		formatTimePtr(t.DueDate), formatTimePtr(t.CompletedAt), t.Position, t.AssignedTo, string(tags), customFields,
		t.Version, string(clock), t.Checksum, t.LastModifiedBy, t.LastModifiedDevice,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), formatTimePtr(t.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

// SoftDeleteTask sets deleted_at on the task and creates its tombstone in
// the same transaction.
func (s *Store) SoftDeleteTask(ctx context.Context, id, orgID, deletedBy, deletedFromDevice string, clock vclock.Clock, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return softDeleteEntityTx(tx, "tasks", types.EntityTask, id, orgID, deletedBy, deletedFromDevice, clock, now)
	})
}

// QueryTaskFilter narrows QueryTasks results.
type QueryTaskFilter struct {
	OrganizationID    string
	Status            *types.Status
	AssignedTo        *string
	IncludeTombstoned bool
}

// QueryTasks returns tasks matching filter.
func (s *Store) QueryTasks(ctx context.Context, filter QueryTaskFilter) ([]*types.Task, error) {
	query := `SELECT ` + taskSelectColumns + ` FROM tasks WHERE organization_id = ?`
	args := []any{filter.OrganizationID}

	if !filter.IncludeTombstoned {
		query += ` AND deleted_at IS NULL`
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.AssignedTo != nil {
		query += ` AND assigned_to = ?`
		args = append(args, *filter.AssignedTo)
	}
	query += ` ORDER BY updated_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("query tasks", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, wrapDBError("scan task", err)
		}
		out = append(out, task)
	}
	return out, wrapDBError("query tasks", rows.Err())
}

// DeltaTasksSince returns tasks updated after watermark, excluding rows
// last modified by excludeDevice, capped at limit.
func (s *Store) DeltaTasksSince(ctx context.Context, orgID string, watermark time.Time, excludeDevice string, limit int) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskSelectColumns+` FROM tasks
		WHERE organization_id = ? AND updated_at > ? AND last_modified_device != ?
		ORDER BY updated_at ASC LIMIT ?`,
		orgID, formatTime(watermark), excludeDevice, limit)
	if err != nil {
		return nil, wrapDBError("delta tasks", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, wrapDBError("scan task", err)
		}
		out = append(out, task)
	}
	return out, wrapDBError("delta tasks", rows.Err())
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var projectID, description, dueDate, completedAt, assignedTo sql.NullString
	var tagsJSON string
	var customFields sql.NullString
	var checksum, lastModifiedBy sql.NullString
	var deletedAt sql.NullString
	var status, priority string
	var clockJSON string
	var createdAt, updatedAt string

	if err := row.Scan(
		&t.ID, &t.OrganizationID, &projectID, &t.Title, &description, &status, &priority,
		&dueDate, &completedAt, &t.Position, &assignedTo, &tagsJSON, &customFields,
		&t.Version, &clockJSON, &checksum, &lastModifiedBy, &t.LastModifiedDevice,
		&createdAt, &updatedAt, &deletedAt,
	); err != nil {
		return nil, err
	}

	t.Status = types.Status(status)
	t.Priority = types.Priority(priority)
	if projectID.Valid {
		t.ProjectID = projectID.String
	}
	if description.Valid {
		d := description.String
		t.Description = &d
	}
	t.DueDate = parseNullTime(dueDate)
	t.CompletedAt = parseNullTime(completedAt)
	if assignedTo.Valid {
		a := assignedTo.String
		t.AssignedTo = &a
	}
	if checksum.Valid {
		t.Checksum = checksum.String
	}
	if lastModifiedBy.Valid {
		t.LastModifiedBy = lastModifiedBy.String
	}
	if customFields.Valid && customFields.String != "" {
		t.CustomFields = json.RawMessage(customFields.String)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	clock := vclock.Clock{}
	if err := json.Unmarshal([]byte(clockJSON), &clock); err != nil {
		return nil, fmt.Errorf("unmarshal vector clock: %w", err)
	}
	t.VectorClock = clock
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.DeletedAt = parseNullTime(deletedAt)

	return &t, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
