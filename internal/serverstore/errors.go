package serverstore

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested entity does not exist on the server.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict indicates a caller attempted to push against a stale
// version it no longer holds priority over. No function in this module
// currently returns it.
var ErrVersionConflict = errors.New("version conflict")

func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
