package quota

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/replicore/core/internal/store"
	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
)

func newTestManager(t *testing.T, usedPercent float64) (*Manager, *store.Store, *[]Usage, *[]*store.CleanupResult) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "device.sqlite3"), "device-a")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	var warnings []Usage
	var cleanups []*store.CleanupResult
	m := New(s, Options{
		OnWarning: func(u Usage) { warnings = append(warnings, u) },
		OnCleanup: func(r *store.CleanupResult) { cleanups = append(cleanups, r) },
	})
	m.usage = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, UsedPercent: usedPercent, Total: 1000, Free: 100}, nil
	}
	return m, s, &warnings, &cleanups
}

func TestClassifyThresholds(t *testing.T) {
	m, _, _, _ := newTestManager(t, 0)
	cases := map[float64]Level{
		10:   LevelOK,
		79.9: LevelOK,
		80:   LevelWarning,
		94.9: LevelWarning,
		95:   LevelCritical,
		99:   LevelCritical,
	}
	for used, want := range cases {
		if got := m.classify(used); got != want {
			t.Errorf("classify(%.1f) = %v, want %v", used, got, want)
		}
	}
}

func TestPollBelowWarningDoesNothing(t *testing.T) {
	m, _, warnings, cleanups := newTestManager(t, 50)
	u, err := m.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if u.Level != LevelOK || len(*warnings) != 0 || len(*cleanups) != 0 {
		t.Fatalf("unexpected reaction at 50%%: %+v warnings=%d cleanups=%d", u, len(*warnings), len(*cleanups))
	}
}

func TestPollWarningSurfacesBanner(t *testing.T) {
	m, _, warnings, cleanups := newTestManager(t, 85)
	if _, err := m.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(*warnings) != 1 || len(*cleanups) != 0 {
		t.Fatalf("expected one warning and no cleanup, got %d/%d", len(*warnings), len(*cleanups))
	}
}

func TestPollCriticalRunsCleanup(t *testing.T) {
	m, s, _, cleanups := newTestManager(t, 96)
	ctx := context.Background()

	old := time.Now().UTC().Add(-120 * 24 * time.Hour)
	task := &types.Task{
		ID: "t-old", OrganizationID: "org-1", Title: "ancient",
		Status: types.StatusDone, Priority: types.PriorityLow,
		VectorClock: vclock.Clock{"device-a": 1}, LastModifiedDevice: "device-a",
		CreatedAt: old, UpdatedAt: old,
	}
	if err := s.PutTask(ctx, task); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.MarkSynced(ctx, types.EntityTask, task.ID); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	if _, err := m.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(*cleanups) != 1 {
		t.Fatalf("expected one cleanup, got %d", len(*cleanups))
	}
	if (*cleanups)[0].TasksRemoved != 1 {
		t.Fatalf("expected old synced task removed, got %+v", (*cleanups)[0])
	}
}
