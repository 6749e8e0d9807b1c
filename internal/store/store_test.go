package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
)

func newTestStore(t *testing.T, deviceID string) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "device.sqlite3")
	s, err := Open(dbPath, deviceID)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testTask(id, orgID, device string, now time.Time) *types.Task {
	return &types.Task{
		ID:                 id,
		OrganizationID:     orgID,
		Title:              "write the replication core",
		Status:             types.StatusTodo,
		Priority:           types.PriorityMedium,
		Tags:               []string{"core"},
		VectorClock:        vclock.Clock{device: 1},
		LastModifiedBy:     "user-1",
		LastModifiedDevice: device,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestPutAndGetTask(t *testing.T) {
	s := newTestStore(t, "device-a")
	ctx := context.Background()
	now := time.Now()

	task := testTask("task-1", "org-1", "device-a", now)
	if err := s.PutTask(ctx, task); err != nil {
		t.Fatalf("put task: %v", err)
	}

	got, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Title != task.Title || got.Status != task.Status {
		t.Fatalf("round-trip mismatch: got %+v", got)
	}
	if got.VectorClock["device-a"] != 1 {
		t.Fatalf("expected clock device-a=1, got %v", got.VectorClock)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "core" {
		t.Fatalf("tags not preserved: %v", got.Tags)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t, "device-a")
	if _, err := s.GetTask(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing task")
	}
}

func TestSoftDeleteTaskCreatesTombstoneInSameTransaction(t *testing.T) {
	s := newTestStore(t, "device-a")
	ctx := context.Background()
	now := time.Now()

	task := testTask("task-1", "org-1", "device-a", now)
	if err := s.PutTask(ctx, task); err != nil {
		t.Fatalf("put task: %v", err)
	}

	clock := vclock.Increment(task.VectorClock, "device-a")
	if err := s.SoftDeleteTask(ctx, "task-1", "org-1", "user-1", "device-a", clock, now); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	got, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !got.IsDeleted() {
		t.Fatal("expected task to be soft-deleted")
	}

	tombstones, err := s.TombstonesSince(ctx, "org-1", now.Add(-time.Minute), "some-other-device", 10)
	if err != nil {
		t.Fatalf("query tombstones: %v", err)
	}
	if len(tombstones) != 1 || tombstones[0].EntityID != "task-1" {
		t.Fatalf("expected one tombstone for task-1, got %+v", tombstones)
	}
}

func TestDeltaTasksExcludesOwnDevice(t *testing.T) {
	s := newTestStore(t, "device-a")
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	localTask := testTask("task-local", "org-1", "device-a", base.Add(time.Minute))
	remoteTask := testTask("task-remote", "org-1", "device-b", base.Add(time.Minute))
	if err := s.PutTask(ctx, localTask); err != nil {
		t.Fatalf("put local task: %v", err)
	}
	if err := s.PutTask(ctx, remoteTask); err != nil {
		t.Fatalf("put remote task: %v", err)
	}

	delta, err := s.DeltaTasksSince(ctx, "org-1", base, "device-a", 100)
	if err != nil {
		t.Fatalf("delta tasks: %v", err)
	}
	if len(delta) != 1 || delta[0].ID != "task-remote" {
		t.Fatalf("expected only task-remote in delta, got %+v", delta)
	}
}

func TestCascadeSoftDeleteChildren(t *testing.T) {
	s := newTestStore(t, "device-a")
	ctx := context.Background()
	now := time.Now()

	task := testTask("task-1", "org-1", "device-a", now)
	if err := s.PutTask(ctx, task); err != nil {
		t.Fatalf("put task: %v", err)
	}
	comment := &types.Comment{
		ID:                 "comment-1",
		TaskID:             "task-1",
		OrganizationID:     "org-1",
		Content:            "looks good",
		VectorClock:        vclock.Clock{"device-b": 1},
		LastModifiedDevice: "device-b",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.PutComment(ctx, comment); err != nil {
		t.Fatalf("put comment: %v", err)
	}

	clock := vclock.Increment(task.VectorClock, "device-a")
	affected, err := s.CascadeSoftDeleteChildren(ctx, "task-1", "org-1", "user-1", "device-a", clock, now)
	if err != nil {
		t.Fatalf("cascade soft delete: %v", err)
	}
	if len(affected) != 1 || affected[0] != "comment-1" {
		t.Fatalf("expected comment-1 cascaded, got %v", affected)
	}

	got, err := s.GetComment(ctx, "comment-1")
	if err != nil {
		t.Fatalf("get comment: %v", err)
	}
	if !got.IsDeleted() {
		t.Fatal("expected comment to be soft-deleted by cascade")
	}
}

func TestLocalStateIncrementPersists(t *testing.T) {
	s := newTestStore(t, "device-a")
	ctx := context.Background()

	clock, err := s.IncrementLocalClock(ctx)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if clock["device-a"] != 1 {
		t.Fatalf("expected device-a=1, got %v", clock)
	}

	st, err := s.LocalState(ctx)
	if err != nil {
		t.Fatalf("local state: %v", err)
	}
	if st.LocalClock["device-a"] != 1 {
		t.Fatalf("expected persisted clock device-a=1, got %v", st.LocalClock)
	}
	if st.DeviceID != "device-a" {
		t.Fatalf("expected device id device-a, got %s", st.DeviceID)
	}
}

func TestPruneExpiredTombstones(t *testing.T) {
	s := newTestStore(t, "device-a")
	ctx := context.Background()
	longAgo := time.Now().Add(-200 * 24 * time.Hour)

	task := testTask("task-1", "org-1", "device-a", longAgo)
	if err := s.PutTask(ctx, task); err != nil {
		t.Fatalf("put task: %v", err)
	}
	if err := s.SoftDeleteTask(ctx, "task-1", "org-1", "user-1", "device-a", task.VectorClock, longAgo); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	pruned, err := s.PruneExpiredTombstones(ctx, time.Now())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned tombstone, got %d", pruned)
	}
}
