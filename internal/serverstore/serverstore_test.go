package serverstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// TestBuildDSNIncludesParseTimeAndTLS exercises the DSN builder without
// needing a live server.
func TestBuildDSNIncludesParseTimeAndTLS(t *testing.T) {
	cfg := Config{Host: "db.internal", Port: 3306, User: "replicore", Password: "secret", Database: "replicore", TLS: true}
	dsn := buildDSN(cfg)
	want := "replicore:secret@tcp(db.internal:3306)/replicore?parseTime=true&loc=UTC&tls=true"
	if dsn != want {
		t.Fatalf("dsn = %q, want %q", dsn, want)
	}
}

func TestBuildDSNOmitsPasswordWhenAbsent(t *testing.T) {
	cfg := Config{Host: "db.internal", User: "replicore"}
	cfg.applyDefaults()
	dsn := buildDSN(cfg)
	if dsn != "replicore@tcp(db.internal:3306)/replicore?parseTime=true&loc=UTC" {
		t.Fatalf("unexpected dsn: %q", dsn)
	}
}

func TestIsRetryableErrorClassifiesTransientConnectionIssues(t *testing.T) {
	cases := map[string]bool{
		"driver: bad connection":         true,
		"dial tcp: connection refused":   true,
		"read tcp: i/o timeout":          true,
		"unknown column 'foo' in 'tags'": false,
	}
	for msg, want := range cases {
		if got := isRetryableError(errString(msg)); got != want {
			t.Errorf("isRetryableError(%q) = %v, want %v", msg, got, want)
		}
	}
	if isRetryableError(nil) {
		t.Fatal("nil error must not be retryable")
	}
}

type errString string

func (e errString) Error() string { return string(e) }

// skipIfNoMySQL skips integration tests unless REPLICORE_TEST_MYSQL_DSN is
// set to a reachable server, since this suite cannot assume a database is
// installed in CI.
func skipIfNoMySQL(t *testing.T) Config {
	t.Helper()
	dsn := os.Getenv("REPLICORE_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("REPLICORE_TEST_MYSQL_DSN not set, skipping serverstore integration test")
	}
	return Config{Host: dsn, Database: "replicore_test"}
}

func TestOpenAndRoundTripTask(t *testing.T) {
	cfg := skipIfNoMySQL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := s.GetTask(ctx, "does-not-exist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing task, got %v", err)
	}
}
