// Package store implements the device-local entity store: durable storage
// of tasks, comments and tombstones together with their replication
// metadata, backed by an embedded pure-Go SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store is the device-local replica of tasks, comments, tombstones and the
// outbox. A Store is safe for concurrent use; SQLite access is serialized
// through a single connection, matching the single-writer nature of a
// device-local database.
type Store struct {
	db       *sql.DB
	dbPath   string
	deviceID string
	mu       sync.RWMutex
}

// Open opens (creating if necessary) the device-local database at dbPath.
// deviceID is this device's own identity, used to stamp last_modified_device
// on local writes and to exclude this device's own rows from delta queries.
func Open(dbPath, deviceID string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000&_foreign_keys=1", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store db: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath, deviceID: deviceID}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}
	if err := s.ensureDeviceState(); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed device state: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w\nSQL: %s", err, stmt)
		}
	}

	return tx.Commit()
}

func (s *Store) ensureDeviceState() error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO device_state (id, device_id) VALUES (1, ?)`, s.deviceID)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB returns the underlying *sql.DB for packages (such as outbox) that
// share this store's single SQLite connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// DeviceID returns this store's owning device identity.
func (s *Store) DeviceID() string {
	return s.deviceID
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// txFunc is run inside a transaction; returning an error rolls back.
type txFunc func(tx *sql.Tx) error

// withTx acquires a transactional handle and guarantees commit on success
// or rollback on any exit path, including panics.
func (s *Store) withTx(ctx context.Context, fn txFunc) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}
