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

const conflictSelectColumns = `id, entity_type, entity_id, local_version, server_version,
	local_clock, server_clock, conflict_reason, resolution_strategy, resolved_version,
	resolved_by, resolved_at, created_at`

// CreateConflict records a conflict that required manual resolution.
// EntityType/EntityID identify the colliding entity.
func (s *Store) CreateConflict(ctx context.Context, c *types.ConflictRecord) error {
	localClock, err := json.Marshal(c.LocalClock)
	if err != nil {
		return fmt.Errorf("marshal local clock: %w", err)
	}
	serverClock, err := json.Marshal(c.ServerClock)
	if err != nil {
		return fmt.Errorf("marshal server clock: %w", err)
	}
	if c.ID == "" {
		c.ID = types.NewID()
	}

	_, err = s.execContext(ctx, `
		INSERT INTO conflicts (id, entity_type, entity_id, local_version, server_version,
			local_clock, server_clock, conflict_reason, resolution_strategy, resolved_version,
			resolved_by, resolved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.EntityType), c.EntityID, rawOrNull(c.LocalVersion), rawOrNull(c.ServerVersion),
		string(localClock), string(serverClock), nullIfEmpty(c.ConflictReason), nil, nil, nil, nil, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conflict: %w", err)
	}
	return nil
}

// GetConflict returns the conflict record by id.
func (s *Store) GetConflict(ctx context.Context, id string) (*types.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictSelectColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err != nil {
		return nil, wrapDBError("get conflict", err)
	}
	return c, nil
}

// ListUnresolvedConflicts returns up to limit conflicts, oldest first, that
// have not yet been given a resolution strategy. It does not filter by
// organization.
func (s *Store) ListUnresolvedConflicts(ctx context.Context, limit int) ([]*types.ConflictRecord, error) {
	rows, err := s.queryContext(ctx, `SELECT `+conflictSelectColumns+` FROM conflicts
		WHERE resolution_strategy IS NULL ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapDBError("list unresolved conflicts", err)
	}
	defer rows.Close()

	var out []*types.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, wrapDBError("scan conflict", err)
		}
		out = append(out, c)
	}
	return out, wrapDBError("list unresolved conflicts", rows.Err())
}

// ResolveConflict records the outcome of a manual resolution: the
// chosen strategy, the resulting entity snapshot, and who resolved it.
func (s *Store) ResolveConflict(ctx context.Context, id string, strategy types.ResolutionStrategy, resolvedVersion json.RawMessage, resolvedBy string, resolvedAt time.Time) error {
	res, err := s.execContext(ctx, `
		UPDATE conflicts SET resolution_strategy = ?, resolved_version = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND resolution_strategy IS NULL`,
		string(strategy), rawOrNull(resolvedVersion), resolvedBy, resolvedAt, id)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve conflict rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("resolve conflict %s: %w", id, ErrNotFound)
	}
	return nil
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func scanConflict(row rowScanner) (*types.ConflictRecord, error) {
	var c types.ConflictRecord
	var entityType string
	var localVersion, serverVersion, resolvedVersion sql.NullString
	var conflictReason, resolutionStrategy, resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	var localClock, serverClock []byte

	if err := row.Scan(
		&c.ID, &entityType, &c.EntityID, &localVersion, &serverVersion,
		&localClock, &serverClock, &conflictReason, &resolutionStrategy, &resolvedVersion,
		&resolvedBy, &resolvedAt, &c.CreatedAt,
	); err != nil {
		return nil, err
	}

	c.EntityType = types.EntityType(entityType)
	if localVersion.Valid {
		c.LocalVersion = json.RawMessage(localVersion.String)
	}
	if serverVersion.Valid {
		c.ServerVersion = json.RawMessage(serverVersion.String)
	}
	if conflictReason.Valid {
		c.ConflictReason = conflictReason.String
	}
	if resolutionStrategy.Valid {
		strategy := types.ResolutionStrategy(resolutionStrategy.String)
		c.ResolutionStrategy = &strategy
	}
	if resolvedVersion.Valid {
		c.ResolvedVersion = json.RawMessage(resolvedVersion.String)
	}
	if resolvedBy.Valid {
		c.ResolvedBy = resolvedBy.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}

	lc := vclock.Clock{}
	if err := json.Unmarshal(localClock, &lc); err != nil {
		return nil, fmt.Errorf("unmarshal local clock: %w", err)
	}
	c.LocalClock = lc
	sc := vclock.Clock{}
	if err := json.Unmarshal(serverClock, &sc); err != nil {
		return nil, fmt.Errorf("unmarshal server clock: %w", err)
	}
	c.ServerClock = sc

	return &c, nil
}
