package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors for common store conditions.
var (
	// ErrNotFound indicates the requested entity does not exist locally.
	ErrNotFound = errors.New("not found")

	// ErrInvalidEntity indicates a record failed basic shape validation
	// before being persisted.
	ErrInvalidEntity = errors.New("invalid entity")
)

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to ErrNotFound for consistent caller handling.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
