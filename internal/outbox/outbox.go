// Package outbox implements the device-local durable sync queue: a
// FIFO-within-priority log of pending local mutations awaiting push,
// backed by the same SQLite connection as the entity store.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/replicore/core/internal/types"
)

// Outbox is a thin wrapper over a shared *sql.DB (the device store's
// connection); it owns no lifecycle of its own.
type Outbox struct {
	db *sql.DB
}

// New wraps db, which must already have the outbox table from the store's
// schema.
func New(db *sql.DB) *Outbox {
	return &Outbox{db: db}
}

const entrySelectColumns = `id, entity_type, entity_id, operation, payload, priority,
	created_at, attempt_count, last_attempt_at, last_error, permission_denied`

// Enqueue appends a new entry. payload is a snapshot of the entity at
// enqueue time, marshaled by the caller.
func (o *Outbox) Enqueue(ctx context.Context, entityType types.EntityType, entityID string, op types.Operation, payload json.RawMessage, priority int, now time.Time) (*types.OutboxEntry, error) {
	entry := &types.OutboxEntry{
		ID:         types.NewID(),
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Payload:    payload,
		Priority:   priority,
		CreatedAt:  now,
	}

	_, err := o.db.ExecContext(ctx, `
		INSERT INTO outbox (id, entity_type, entity_id, operation, payload, priority, created_at,
			attempt_count, last_attempt_at, last_error, permission_denied)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, '', 0)`,
		entry.ID, string(entry.EntityType), entry.EntityID, string(entry.Operation),
		[]byte(entry.Payload), entry.Priority, formatTime(entry.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("enqueue outbox entry: %w", err)
	}
	return entry, nil
}

// Drain returns up to limit entries ordered by priority ascending then
// creation-time ascending, excluding permanently-denied and
// retry-exhausted entries. A fixed-interval retry policy means every
// eligible entry is visible on every drain; there is no next-retry
// timestamp to filter on beyond the caller's own cycle cadence.
func (o *Outbox) Drain(ctx context.Context, limit int) ([]*types.OutboxEntry, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT `+entrySelectColumns+` FROM outbox
		WHERE permission_denied = 0 AND attempt_count < ?
		ORDER BY priority ASC, created_at ASC
		LIMIT ?`, types.MaxOrdinaryAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("drain outbox: %w", err)
	}
	defer rows.Close()

	var out []*types.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ack physically removes entry id.
func (o *Outbox) Ack(ctx context.Context, id string) error {
	_, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ack outbox entry %s: %w", id, err)
	}
	return nil
}

// Fail records a failed push attempt: bumps attempt_count, stamps
// last_attempt_at/last_error, and on a 403 flips permission_denied so the
// entry is immediately parked at its one-attempt ceiling rather than
// retried.
func (o *Outbox) Fail(ctx context.Context, id string, errMsg string, now time.Time, permissionDenied bool) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE outbox SET attempt_count = attempt_count + 1, last_attempt_at = ?, last_error = ?,
			permission_denied = permission_denied OR ?
		WHERE id = ?`,
		formatTime(now), errMsg, permissionDenied, id)
	if err != nil {
		return fmt.Errorf("fail outbox entry %s: %w", id, err)
	}
	return nil
}

// FailPermanent parks an entry at its retry ceiling in one step, used for
// schema-invalid input where
// counting further attempts would be pointless.
func (o *Outbox) FailPermanent(ctx context.Context, id string, errMsg string, now time.Time) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE outbox SET attempt_count = ?, last_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		types.MaxOrdinaryAttempts, formatTime(now), errMsg, id)
	if err != nil {
		return fmt.Errorf("permanently fail outbox entry %s: %w", id, err)
	}
	return nil
}

// PermanentlyFailed returns entries that have exhausted their retry budget
// so the UI can surface them.
func (o *Outbox) PermanentlyFailed(ctx context.Context) ([]*types.OutboxEntry, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT `+entrySelectColumns+` FROM outbox
		WHERE permission_denied = 1 OR attempt_count >= ?`, types.MaxOrdinaryAttempts)
	if err != nil {
		return nil, fmt.Errorf("query permanently failed: %w", err)
	}
	defer rows.Close()

	var out []*types.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		if e.Exhausted() {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

// EntriesForEntity returns all pending entries targeting entityID, used by
// the change applicator to tell whether an entity has outstanding local
// changes.
func (o *Outbox) EntriesForEntity(ctx context.Context, entityType types.EntityType, entityID string) ([]*types.OutboxEntry, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT `+entrySelectColumns+` FROM outbox
		WHERE entity_type = ? AND entity_id = ?`, string(entityType), entityID)
	if err != nil {
		return nil, fmt.Errorf("query entries for entity: %w", err)
	}
	defer rows.Close()

	var out []*types.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AckEntity removes every pending entry for entityID, used when a tombstone
// retires outstanding local changes to the deleted entity.
func (o *Outbox) AckEntity(ctx context.Context, entityType types.EntityType, entityID string) error {
	_, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID)
	if err != nil {
		return fmt.Errorf("ack entity %s: %w", entityID, err)
	}
	return nil
}

// Len returns the total number of entries currently queued.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

func scanEntry(row interface{ Scan(...any) error }) (*types.OutboxEntry, error) {
	var e types.OutboxEntry
	var entityType, operation, createdAt string
	var payload []byte
	var lastAttemptAt sql.NullString
	var lastError string
	var permissionDenied int

	if err := row.Scan(
		&e.ID, &entityType, &e.EntityID, &operation, &payload, &e.Priority,
		&createdAt, &e.AttemptCount, &lastAttemptAt, &lastError, &permissionDenied,
	); err != nil {
		return nil, err
	}

	e.EntityType = types.EntityType(entityType)
	e.Operation = types.Operation(operation)
	e.Payload = payload
	e.CreatedAt = parseTime(createdAt)
	if lastAttemptAt.Valid && lastAttemptAt.String != "" {
		t := parseTime(lastAttemptAt.String)
		e.LastAttemptAt = &t
	}
	e.LastError = lastError
	e.PermissionDenied = permissionDenied != 0
	return &e, nil
}

const timeLayout = "2006-01-02T15:04:05.999999999Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
