package serverstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
)

const deviceSelectColumns = `id, owning_user_id, fingerprint, friendly_name, last_seen_clock,
	last_sync_at, is_active`

// RegisterDevice creates (or reactivates) the device record identified by
// (userID, fingerprint), returning its server-assigned id. A device
// registering a fingerprint it has used before gets back the same id
// rather than a new one.
func (s *Store) RegisterDevice(ctx context.Context, userID, fingerprint, friendlyName string) (*types.DeviceRecord, error) {
	existing, err := s.deviceByFingerprint(ctx, userID, fingerprint)
	if err == nil {
		existing.IsActive = true
		existing.FriendlyName = friendlyName
		if err := s.saveDevice(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	record := &types.DeviceRecord{
		ID:            types.NewID(),
		OwningUserID:  userID,
		Fingerprint:   fingerprint,
		FriendlyName:  friendlyName,
		LastSeenClock: vclock.Clock{},
		IsActive:      true,
	}
	clock, err := json.Marshal(record.LastSeenClock)
	if err != nil {
		return nil, fmt.Errorf("marshal device clock: %w", err)
	}
	_, err = s.execContext(ctx, `
		INSERT INTO devices (id, owning_user_id, fingerprint, friendly_name, last_seen_clock, last_sync_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.OwningUserID, record.Fingerprint, nullIfEmpty(record.FriendlyName),
		string(clock), record.LastSyncAt, record.IsActive)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	return record, nil
}

func (s *Store) deviceByFingerprint(ctx context.Context, userID, fingerprint string) (*types.DeviceRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceSelectColumns+` FROM devices
		WHERE owning_user_id = ? AND fingerprint = ?`, userID, fingerprint)
	d, err := scanDevice(row)
	if err != nil {
		return nil, wrapDBError("get device by fingerprint", err)
	}
	return d, nil
}

// GetDevice returns the device record by server-assigned id.
func (s *Store) GetDevice(ctx context.Context, id string) (*types.DeviceRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceSelectColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		return nil, wrapDBError("get device", err)
	}
	return d, nil
}

// TouchDevice updates a device's last-seen vector clock and sync timestamp
// after a completed sync cycle.
func (s *Store) TouchDevice(ctx context.Context, id string, clock vclock.Clock, syncAt time.Time) error {
	encoded, err := json.Marshal(clock)
	if err != nil {
		return fmt.Errorf("marshal device clock: %w", err)
	}
	_, err = s.execContext(ctx, `UPDATE devices SET last_seen_clock = ?, last_sync_at = ? WHERE id = ?`,
		string(encoded), syncAt, id)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// DeactivateDevice marks a device inactive, e.g. on explicit user-initiated
// sign-out of that device.
func (s *Store) DeactivateDevice(ctx context.Context, id string) error {
	_, err := s.execContext(ctx, `UPDATE devices SET is_active = FALSE WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	return nil
}

func (s *Store) saveDevice(ctx context.Context, d *types.DeviceRecord) error {
	clock, err := json.Marshal(d.LastSeenClock)
	if err != nil {
		return fmt.Errorf("marshal device clock: %w", err)
	}
	_, err = s.execContext(ctx, `UPDATE devices SET friendly_name = ?, last_seen_clock = ?, last_sync_at = ?, is_active = ? WHERE id = ?`,
		nullIfEmpty(d.FriendlyName), string(clock), d.LastSyncAt, d.IsActive, d.ID)
	if err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

func scanDevice(row rowScanner) (*types.DeviceRecord, error) {
	var d types.DeviceRecord
	var friendlyName sql.NullString
	var lastSyncAt sql.NullTime
	var clockJSON []byte

	if err := row.Scan(&d.ID, &d.OwningUserID, &d.Fingerprint, &friendlyName, &clockJSON, &lastSyncAt, &d.IsActive); err != nil {
		return nil, err
	}
	if friendlyName.Valid {
		d.FriendlyName = friendlyName.String
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		d.LastSyncAt = &t
	}
	clock := vclock.Clock{}
	if err := json.Unmarshal(clockJSON, &clock); err != nil {
		return nil, fmt.Errorf("unmarshal device clock: %w", err)
	}
	d.LastSeenClock = clock
	return &d, nil
}
