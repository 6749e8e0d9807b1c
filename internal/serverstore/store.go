// Package serverstore implements the server-authoritative store: the
// multi-tenant, multi-writer counterpart to internal/store's device-local
// SQLite replica. Concurrent pushes from distinct devices may run
// concurrently against it, so unlike the device store it pools several
// connections and retries transient connection errors.
package serverstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
)

// Config describes how to reach the authoritative MySQL-compatible
// database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.Database == "" {
		c.Database = "replicore"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
}

// Store is the authoritative, multi-writer replica shared by every device
// in an organization.
type Store struct {
	db *sql.DB
}

// Open connects to the authoritative database and ensures its schema
// exists. Schema creation is idempotent (CREATE TABLE IF NOT EXISTS), so it
// is safe to call from every server process on startup.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	db, err := sql.Open("mysql", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open server store: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping server store: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init server schema: %w", err)
	}
	return s, nil
}

func buildDSN(cfg Config) string {
	var userPart string
	if cfg.Password != "" {
		userPart = fmt.Sprintf("%s:%s", cfg.User, cfg.Password)
	} else {
		userPart = cfg.User
	}
	params := "parseTime=true&loc=UTC"
	if cfg.TLS {
		params += "&tls=true"
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?%s", userPart, cfg.Host, cfg.Port, cfg.Database, params)
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying pool, for packages (conflicts, synclog,
// devices) that share this store's connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// transientRetryMaxElapsed bounds how long withRetry keeps retrying a
// transient connection error before giving up.
const transientRetryMaxElapsed = 30 * time.Second

func newTransientBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = transientRetryMaxElapsed
	return bo
}

// isRetryableError reports whether err looks like a transient connection
// hiccup (pool exhaustion, brief network blip, server restart) rather than
// a genuine data or logic error worth surfacing immediately.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"lost connection",
		"gone away",
		"i/o timeout",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// withRetry executes op, retrying transient connection errors with
// exponential backoff up to transientRetryMaxElapsed. This is distinct
// from the device-side outbox retry policy, which is intentionally
// fixed-interval and counted rather than time-bounded: this retry covers
// the server's own connection plumbing, not the application-level
// push-entry retry budget.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	bo := newTransientBackoff()
	return backoff.Retry(func() error {
		if err := op(); err != nil {
			if isRetryableError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

func (s *Store) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := s.withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = s.db.QueryContext(ctx, query, args...)
		return queryErr
	})
	return rows, err
}
