package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
)

// LocalState returns the device's singleton replication state. The row is seeded by Open, so this never returns
// ErrNotFound once a Store has been opened.
func (s *Store) LocalState(ctx context.Context) (*types.LocalState, error) {
	var deviceID, localClockJSON, serverClockJSON string
	var lastSyncAt sql.NullString

	row := s.db.QueryRowContext(ctx, `SELECT device_id, local_clock, server_clock, last_sync_at FROM device_state WHERE id = 1`)
	if err := row.Scan(&deviceID, &localClockJSON, &serverClockJSON, &lastSyncAt); err != nil {
		return nil, wrapDBError("get local state", err)
	}

	localClock := vclock.Clock{}
	if err := json.Unmarshal([]byte(localClockJSON), &localClock); err != nil {
		return nil, fmt.Errorf("unmarshal local clock: %w", err)
	}
	serverClock := vclock.Clock{}
	if err := json.Unmarshal([]byte(serverClockJSON), &serverClock); err != nil {
		return nil, fmt.Errorf("unmarshal server clock: %w", err)
	}

	return &types.LocalState{
		DeviceID:    deviceID,
		LocalClock:  localClock,
		ServerClock: serverClock,
		LastSyncAt:  parseNullTime(lastSyncAt),
	}, nil
}

// PutLocalState overwrites the singleton replication state.
func (s *Store) PutLocalState(ctx context.Context, st *types.LocalState) error {
	localClock, err := json.Marshal(st.LocalClock)
	if err != nil {
		return fmt.Errorf("marshal local clock: %w", err)
	}
	serverClock, err := json.Marshal(st.ServerClock)
	if err != nil {
		return fmt.Errorf("marshal server clock: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE device_state SET device_id = ?, local_clock = ?, server_clock = ?, last_sync_at = ? WHERE id = 1`,
		st.DeviceID, string(localClock), string(serverClock), formatTimePtr(st.LastSyncAt))
	if err != nil {
		return wrapDBError("put local state", err)
	}
	return nil
}

// IncrementLocalClock bumps this device's own counter by one and persists
// the result.
func (s *Store) IncrementLocalClock(ctx context.Context) (vclock.Clock, error) {
	var newClock vclock.Clock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var localClockJSON string
		row := tx.QueryRow(`SELECT local_clock FROM device_state WHERE id = 1`)
		if err := row.Scan(&localClockJSON); err != nil {
			return fmt.Errorf("read local clock: %w", err)
		}
		clock := vclock.Clock{}
		if err := json.Unmarshal([]byte(localClockJSON), &clock); err != nil {
			return fmt.Errorf("unmarshal local clock: %w", err)
		}
		newClock = vclock.Increment(clock, s.deviceID)

		encoded, err := json.Marshal(newClock)
		if err != nil {
			return fmt.Errorf("marshal local clock: %w", err)
		}
		_, err = tx.Exec(`UPDATE device_state SET local_clock = ? WHERE id = 1`, string(encoded))
		return err
	})
	return newClock, err
}
