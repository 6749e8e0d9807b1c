package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := c.SyncInterval(); got != 30*time.Second {
		t.Errorf("SyncInterval = %v, want 30s", got)
	}
	if got := c.SyncDebounce(); got != 2*time.Second {
		t.Errorf("SyncDebounce = %v, want 2s", got)
	}
	if got := c.PullLimit(); got != 100 {
		t.Errorf("PullLimit = %d, want 100", got)
	}
	if got := c.QuotaWarningPercent(); got != 80 {
		t.Errorf("QuotaWarningPercent = %v, want 80", got)
	}
	if got := c.QuotaCriticalPercent(); got != 95 {
		t.Errorf("QuotaCriticalPercent = %v, want 95", got)
	}
}

func TestConfigFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replicore.yaml")
	content := []byte("sync:\n  interval: 10s\n  pull_limit: 50\nserver:\n  url: https://sync.example.com\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := c.SyncInterval(); got != 10*time.Second {
		t.Errorf("SyncInterval = %v, want 10s", got)
	}
	if got := c.PullLimit(); got != 50 {
		t.Errorf("PullLimit = %d, want 50", got)
	}
	if got := c.ServerURL(); got != "https://sync.example.com" {
		t.Errorf("ServerURL = %q", got)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replicore.yaml")
	content := []byte("sync:\n  interval: -5s\n  pull_limit: 100000\nquota:\n  warning_percent: 250\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := c.SyncInterval(); got != 30*time.Second {
		t.Errorf("invalid interval must fall back, got %v", got)
	}
	if got := c.PullLimit(); got != 100 {
		t.Errorf("out-of-range pull limit must fall back, got %d", got)
	}
	if got := c.QuotaWarningPercent(); got != 80 {
		t.Errorf("out-of-range warning percent must fall back, got %v", got)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("REPLICORE_DEVICE_ID", "device-env")
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := c.DeviceID(); got != "device-env" {
		t.Errorf("DeviceID = %q, want device-env", got)
	}
}
