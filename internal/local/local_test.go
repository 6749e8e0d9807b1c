package local

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/replicore/core/internal/outbox"
	"github.com/replicore/core/internal/store"
	"github.com/replicore/core/internal/types"
)

func newTestWorkspace(t *testing.T) (*Workspace, *store.Store, *outbox.Outbox) {
	t.Helper()
	s, err := store.Open(t.TempDir()+"/device.sqlite3", "device-a")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ob := outbox.New(s.DB())
	return New(s, ob, "user-1"), s, ob
}

func draft(title string) *types.Task {
	return &types.Task{OrganizationID: "org-1", Title: title}
}

func TestCreateTaskStampsMetadataAndEnqueues(t *testing.T) {
	w, s, ob := newTestWorkspace(t)
	ctx := context.Background()

	created, err := w.CreateTask(ctx, draft("write the plan"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}
	if created.VectorClock["device-a"] != 1 {
		t.Fatalf("expected clock device-a=1, got %v", created.VectorClock)
	}
	if created.Version != 1 || created.Checksum == "" {
		t.Fatalf("metadata not stamped: %+v", created)
	}
	if created.LastModifiedBy != "user-1" || created.LastModifiedDevice != "device-a" {
		t.Fatalf("modifier metadata wrong: %+v", created)
	}

	entries, err := ob.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(entries) != 1 || entries[0].Operation != types.OpCreate || entries[0].Priority != types.PriorityCreate {
		t.Fatalf("unexpected outbox state: %+v", entries)
	}

	state, err := s.LocalState(ctx)
	if err != nil {
		t.Fatalf("local state: %v", err)
	}
	if state.LocalClock["device-a"] != 1 {
		t.Fatalf("device clock not bumped: %v", state.LocalClock)
	}
}

func TestUpdateTaskIncrementsClockByExactlyOne(t *testing.T) {
	w, _, _ := newTestWorkspace(t)
	ctx := context.Background()

	created, err := w.CreateTask(ctx, draft("one"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	edited := created.Clone()
	edited.Title = "two"
	edited.Status = types.StatusInProgress
	edited.Priority = types.PriorityHigh

	updated, err := w.UpdateTask(ctx, edited)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	// One mutation, one increment, regardless of how many fields changed.
	if updated.VectorClock["device-a"] != 2 {
		t.Fatalf("expected device-a=2, got %v", updated.VectorClock)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
}

func TestUpdatePriorityClassification(t *testing.T) {
	w, _, ob := newTestWorkspace(t)
	ctx := context.Background()

	created, err := w.CreateTask(ctx, draft("classify me"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Clear the create entry so each subtest sees exactly one entry.
	seed, err := ob.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	for _, e := range seed {
		if err := ob.Ack(ctx, e.ID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}

	cases := []struct {
		name string
		edit func(t *types.Task)
		want int
	}{
		{"status change", func(task *types.Task) { task.Status = types.StatusInProgress }, types.PriorityStatusChange},
		{"assignment change", func(task *types.Task) { u := "user-2"; task.AssignedTo = &u }, types.PriorityStatusChange},
		{"title edit", func(task *types.Task) { task.Title = task.Title + "!" }, types.PriorityFieldUpdate},
		{"tags only", func(task *types.Task) { task.Tags = append(task.Tags, "later") }, types.PriorityTagPosition},
		{"position only", func(task *types.Task) { task.Position = "500.25" }, types.PriorityTagPosition},
		{"no payload change", func(task *types.Task) {}, types.PriorityMetadata},
	}

	current := created
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			edited := current.Clone()
			tc.edit(edited)
			updated, err := w.UpdateTask(ctx, edited)
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			current = updated

			entries, err := ob.Drain(ctx, 100)
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
			if len(entries) != 1 {
				t.Fatalf("expected exactly one queued entry, got %d", len(entries))
			}
			if entries[0].Priority != tc.want {
				t.Fatalf("priority = %d, want %d", entries[0].Priority, tc.want)
			}
			if err := ob.Ack(ctx, entries[0].ID); err != nil {
				t.Fatalf("ack: %v", err)
			}
		})
	}
}

func TestDeleteTaskCascadesAndRetiresChildEntries(t *testing.T) {
	w, s, ob := newTestWorkspace(t)
	ctx := context.Background()

	task, err := w.CreateTask(ctx, draft("doomed"))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	comment, err := w.CreateComment(ctx, &types.Comment{TaskID: task.ID, Content: "note"})
	if err != nil {
		t.Fatalf("create comment: %v", err)
	}

	if err := w.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !got.IsDeleted() {
		t.Fatal("task not soft-deleted")
	}
	gotComment, err := s.GetComment(ctx, comment.ID)
	if err != nil {
		t.Fatalf("get comment: %v", err)
	}
	if !gotComment.IsDeleted() {
		t.Fatal("child comment not cascaded")
	}

	// The comment's pending create was retired; only the task delete and
	// the original task create remain queued.
	entries, err := ob.Drain(ctx, 100)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	for _, e := range entries {
		if e.EntityType == types.EntityComment {
			t.Fatalf("child comment entry should have been retired: %+v", e)
		}
	}
}

func TestValidationLimits(t *testing.T) {
	w, _, _ := newTestWorkspace(t)
	ctx := context.Background()

	longTitle := strings.Repeat("x", types.MaxTitleLength+1)
	if _, err := w.CreateTask(ctx, draft(longTitle)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for long title, got %v", err)
	}

	tooManyTags := draft("tags")
	for i := 0; i < types.MaxTagCount+1; i++ {
		tooManyTags.Tags = append(tooManyTags.Tags, "t"+strings.Repeat("a", i%5))
	}
	if _, err := w.CreateTask(ctx, tooManyTags); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for tag count, got %v", err)
	}

	task, err := w.CreateTask(ctx, draft("ok"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	crossOrg := task.Clone()
	crossOrg.OrganizationID = "org-2"
	if _, err := w.UpdateTask(ctx, crossOrg); !errors.Is(err, ErrValidation) {
		t.Fatalf("org scope must be immutable, got %v", err)
	}
}

func TestCreateCommentUnderDeletedParentFails(t *testing.T) {
	w, _, _ := newTestWorkspace(t)
	ctx := context.Background()

	task, err := w.CreateTask(ctx, draft("parent"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := w.CreateComment(ctx, &types.Comment{TaskID: task.ID, Content: "late"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for deleted parent, got %v", err)
	}
}
