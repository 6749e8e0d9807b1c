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

const tombstoneSelectColumns = `id, entity_type, entity_id, organization_id, deleted_by,
	deleted_from_device, vector_clock, created_at, expires_at`

// PutTombstone inserts the authoritative tombstone for a deleted entity.
// Tombstone creation happens atomically with the entity's soft-delete at
// the call site's transaction boundary, not inside this method.
func (s *Store) PutTombstone(ctx context.Context, t *types.Tombstone) error {
	clock, err := json.Marshal(t.VectorClock)
	if err != nil {
		return fmt.Errorf("marshal tombstone clock: %w", err)
	}
	_, err = s.execContext(ctx, `
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

// TombstonesSince returns tombstones created after watermark, excluding
// ones authored by excludeDevice and ones already expired.
func (s *Store) TombstonesSince(ctx context.Context, orgID string, watermark, until time.Time, excludeDevice string, limit int) ([]*types.Tombstone, error) {
	rows, err := s.queryContext(ctx, `
		SELECT `+tombstoneSelectColumns+` FROM tombstones
		WHERE organization_id = ? AND created_at > ? AND created_at <= ? AND deleted_from_device != ? AND expires_at > ?
		ORDER BY created_at ASC LIMIT ?`,
		orgID, watermark, until, excludeDevice, time.Now().UTC(), limit)
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
//. Idempotent; safe to run on any schedule.
func (s *Store) PruneExpiredTombstones(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.execContext(ctx, `DELETE FROM tombstones WHERE expires_at < ?`, now)
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
	var entityType string
	var deletedBy sql.NullString
	var clockJSON []byte

	if err := row.Scan(
		&t.ID, &entityType, &t.EntityID, &t.OrganizationID, &deletedBy,
		&t.DeletedFromDevice, &clockJSON, &t.CreatedAt, &t.ExpiresAt,
	); err != nil {
		return nil, err
	}

	t.EntityType = types.EntityType(entityType)
	if deletedBy.Valid {
		t.DeletedBy = deletedBy.String
	}
	clock := vclock.Clock{}
	if err := json.Unmarshal(clockJSON, &clock); err != nil {
		return nil, fmt.Errorf("unmarshal tombstone clock: %w", err)
	}
	t.VectorClock = clock
	return &t, nil
}
