package serverstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/replicore/core/internal/types"
)

const syncLogSelectColumns = `id, device_id, user_id, type, count_pushed, count_pulled,
	conflicts_detected, conflicts_resolved, duration_ms, status, error, created_at`

// AppendSyncLog writes one per-cycle audit record. The sync
// log is append-only; there is no update or delete path.
func (s *Store) AppendSyncLog(ctx context.Context, entry *types.SyncLogEntry) error {
	if entry.ID == "" {
		entry.ID = types.NewID()
	}
	_, err := s.execContext(ctx, `
		INSERT INTO sync_log (id, device_id, user_id, type, count_pushed, count_pulled,
			conflicts_detected, conflicts_resolved, duration_ms, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.DeviceID, entry.UserID, string(entry.Type), entry.CountPushed, entry.CountPulled,
		entry.ConflictsDetected, entry.ConflictsResolved, entry.Duration.Milliseconds(), entry.Status,
		nullIfEmpty(entry.Error), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

// SyncLogForDevice returns the most recent sync log entries for a device,
// newest first, capped at limit.
func (s *Store) SyncLogForDevice(ctx context.Context, deviceID string, limit int) ([]*types.SyncLogEntry, error) {
	rows, err := s.queryContext(ctx, `SELECT `+syncLogSelectColumns+` FROM sync_log
		WHERE device_id = ? ORDER BY created_at DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, wrapDBError("sync log for device", err)
	}
	defer rows.Close()

	var out []*types.SyncLogEntry
	for rows.Next() {
		e, err := scanSyncLogEntry(rows)
		if err != nil {
			return nil, wrapDBError("scan sync log entry", err)
		}
		out = append(out, e)
	}
	return out, wrapDBError("sync log for device", rows.Err())
}

func scanSyncLogEntry(row rowScanner) (*types.SyncLogEntry, error) {
	var e types.SyncLogEntry
	var syncType string
	var errMsg sql.NullString
	var durationMs int64

	if err := row.Scan(
		&e.ID, &e.DeviceID, &e.UserID, &syncType, &e.CountPushed, &e.CountPulled,
		&e.ConflictsDetected, &e.ConflictsResolved, &durationMs, &e.Status, &errMsg, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.Type = types.SyncType(syncType)
	e.Duration = time.Duration(durationMs) * time.Millisecond
	if errMsg.Valid {
		e.Error = errMsg.String
	}
	return &e, nil
}
