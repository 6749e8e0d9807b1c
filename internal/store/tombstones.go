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

const tombstoneSelectColumns = `id, entity_type, entity_id, organization_id, deleted_by,
	deleted_from_device, vector_clock, created_at, expires_at`

// softDeleteEntityTx stamps deleted_at on the given entity table and writes
// its tombstone in the same transaction. table must be "tasks" or
// "comments".
func softDeleteEntityTx(tx *sql.Tx, table string, entityType types.EntityType, id, orgID, deletedBy, deletedFromDevice string, clock vclock.Clock, now time.Time) error {
	res, err := tx.Exec(`UPDATE `+table+` SET deleted_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(now), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("soft-delete %s: %w", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft-delete %s rows affected: %w", table, err)
	}
	if affected == 0 {
		return fmt.Errorf("soft-delete %s: %w", table, ErrNotFound)
	}

	tombstone := types.NewTombstone(entityType, id, orgID, deletedBy, deletedFromDevice, clock, now)
	return putTombstoneTx(tx, tombstone)
}

func putTombstoneTx(tx *sql.Tx, t *types.Tombstone) error {
	clock, err := json.Marshal(t.VectorClock)
	if err != nil {
		return fmt.Errorf("marshal tombstone clock: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO tombstones (id, entity_type, entity_id, organization_id, deleted_by,
			deleted_from_device, vector_clock, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.EntityType), t.EntityID, t.OrganizationID, t.DeletedBy,
		t.DeletedFromDevice, string(clock), formatTime(t.CreatedAt), formatTime(t.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put tombstone: %w", err)
	}
	return nil
}

// PutTombstone inserts a tombstone outside of a soft-delete flow, used when
// a device applies a tombstone received from a pull.
func (s *Store) PutTombstone(ctx context.Context, t *types.Tombstone) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return putTombstoneTx(tx, t)
	})
}

// ApplyReceivedTombstone stamps deleted_at on the given entity (if present
// locally) and stores the exact tombstone received from the server, rather
// than minting a new one: the device must not fabricate a second
// tombstone for an entity already carrying the server's authoritative one
//. table must be "tasks" or "comments".
func (s *Store) ApplyReceivedTombstone(ctx context.Context, table string, t *types.Tombstone, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE `+table+` SET deleted_at = ?, updated_at = ? WHERE id = ?`,
			formatTime(now), formatTime(now), t.EntityID)
		if err != nil {
			return fmt.Errorf("mark %s deleted: %w", table, err)
		}
		return putTombstoneTx(tx, t)
	})
}

// TombstonesSince returns tombstones created after watermark, excluding
// ones created from excludeDevice and ones already expired.
func (s *Store) TombstonesSince(ctx context.Context, orgID string, watermark time.Time, excludeDevice string, limit int) ([]*types.Tombstone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tombstoneSelectColumns+` FROM tombstones
		WHERE organization_id = ? AND created_at > ? AND deleted_from_device != ? AND expires_at > ?
		ORDER BY created_at ASC LIMIT ?`,
		orgID, formatTime(watermark), excludeDevice, formatTime(time.Now()), limit)
	if err != nil {
		return nil, wrapDBError("query tombstones", err)
	}
	defer rows.Close()

	var out []*types.Tombstone
	for rows.Next() {
		tomb, err := scanTombstone(rows)
		if err != nil {
			return nil, wrapDBError("scan tombstone", err)
		}
		out = append(out, tomb)
	}
	return out, wrapDBError("query tombstones", rows.Err())
}

// PruneExpiredTombstones physically removes tombstones past their TTL
//. Idempotent; safe to run as often as desired.
func (s *Store) PruneExpiredTombstones(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tombstones WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, wrapDBError("prune tombstones", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError("prune tombstones rows affected", err)
	}
	return n, nil
}

func scanTombstone(row rowScanner) (*types.Tombstone, error) {
	var t types.Tombstone
	var entityType, deletedBy string
	var clockJSON, createdAt, expiresAt string

	if err := row.Scan(
		&t.ID, &entityType, &t.EntityID, &t.OrganizationID, &deletedBy,
		&t.DeletedFromDevice, &clockJSON, &createdAt, &expiresAt,
	); err != nil {
		return nil, err
	}

	t.EntityType = types.EntityType(entityType)
	t.DeletedBy = deletedBy
	clock := vclock.Clock{}
	if err := json.Unmarshal([]byte(clockJSON), &clock); err != nil {
		return nil, fmt.Errorf("unmarshal tombstone clock: %w", err)
	}
	t.VectorClock = clock
	t.CreatedAt = parseTime(createdAt)
	t.ExpiresAt = parseTime(expiresAt)
	return &t, nil
}
