package resolver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
)

func baseTask() *types.Task {
	return &types.Task{
		ID:             "task-1",
		OrganizationID: "org-1",
		Title:          "original",
		Status:         types.StatusTodo,
		Priority:       types.PriorityMedium,
		Position:       "n",
		Tags:           []string{"a"},
		VectorClock:    vclock.Clock{"device-a": 1, "device-b": 1},
		Version:        1,
	}
}

// TestResolveTaskConcurrentNonOverlappingFieldsAutoResolves: two
// devices edit disjoint fields concurrently, so no field needs manual
// resolution.
func TestResolveTaskConcurrentNonOverlappingFieldsAutoResolves(t *testing.T) {
	pushed := baseTask()
	pushed.Status = types.StatusInProgress
	pushed.VectorClock = vclock.Clock{"device-a": 2, "device-b": 1}

	server := baseTask()
	server.Tags = []string{"a", "b"}
	server.VectorClock = vclock.Clock{"device-a": 1, "device-b": 2}

	res := ResolveTask(pushed, server, "server")
	if len(res.ManualFields) != 0 {
		t.Fatalf("expected no manual fields, got %v", res.ManualFields)
	}
	if res.Merged.Status != types.StatusInProgress {
		t.Fatalf("expected pushed's status progression to win, got %s", res.Merged.Status)
	}
	if len(res.Merged.Tags) != 2 {
		t.Fatalf("expected tag union, got %v", res.Merged.Tags)
	}
	if res.Merged.Version != 2 {
		t.Fatalf("expected version bumped to 2, got %d", res.Merged.Version)
	}
}

// TestResolveTaskConcurrentTitleEditIsManual: both devices edit
// title concurrently, which requires manual resolution and keeps the
// server's title.
func TestResolveTaskConcurrentTitleEditIsManual(t *testing.T) {
	pushed := baseTask()
	pushed.Title = "local title"
	server := baseTask()
	server.Title = "server title"

	res := ResolveTask(pushed, server, "server")
	if len(res.ManualFields) != 1 || res.ManualFields[0] != "title" {
		t.Fatalf("expected manual=[title], got %v", res.ManualFields)
	}
	if res.Merged.Title != "server title" {
		t.Fatalf("expected server title kept pending manual resolution, got %q", res.Merged.Title)
	}
	if len(res.ConflictNotes) != 1 {
		t.Fatalf("expected one conflict note, got %v", res.ConflictNotes)
	}
}

func TestResolveTaskStatusBothTerminalIsManual(t *testing.T) {
	pushed := baseTask()
	pushed.Status = types.StatusBlocked
	server := baseTask()
	server.Status = types.StatusCancelled

	res := ResolveTask(pushed, server, "server")
	found := false
	for _, f := range res.ManualFields {
		if f == "status" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected status flagged manual when both sides terminal, got %v", res.ManualFields)
	}
}

func TestResolveTaskPriorityHigherRankWins(t *testing.T) {
	pushed := baseTask()
	pushed.Priority = types.PriorityUrgent
	server := baseTask()
	server.Priority = types.PriorityLow

	res := ResolveTask(pushed, server, "server")
	if res.Merged.Priority != types.PriorityUrgent {
		t.Fatalf("expected urgent to win, got %s", res.Merged.Priority)
	}
}

func TestResolveTaskPriorityTieServerWins(t *testing.T) {
	pushed := baseTask()
	pushed.Priority = types.PriorityHigh
	server := baseTask()
	server.Priority = types.PriorityHigh

	res := ResolveTask(pushed, server, "server")
	if res.Merged.Priority != types.PriorityHigh {
		t.Fatalf("expected high, got %s", res.Merged.Priority)
	}
}

func TestResolveTaskDueDateEarlierWins(t *testing.T) {
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := earlier.Add(48 * time.Hour)

	pushed := baseTask()
	pushed.DueDate = &later
	server := baseTask()
	server.DueDate = &earlier

	res := ResolveTask(pushed, server, "server")
	if res.Merged.DueDate == nil || !res.Merged.DueDate.Equal(earlier) {
		t.Fatalf("expected earlier due date to win, got %v", res.Merged.DueDate)
	}
}

func TestResolveTaskDueDateOneAbsentNonAbsentWins(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	pushed := baseTask()
	pushed.DueDate = nil
	server := baseTask()
	server.DueDate = &due

	res := ResolveTask(pushed, server, "server")
	if res.Merged.DueDate == nil || !res.Merged.DueDate.Equal(due) {
		t.Fatalf("expected non-absent due date to win, got %v", res.Merged.DueDate)
	}
}

func TestResolveTaskCustomFieldsShallowMerge(t *testing.T) {
	pushed := baseTask()
	pushed.CustomFields = json.RawMessage(`{"a":"1","shared":"local"}`)
	server := baseTask()
	server.CustomFields = json.RawMessage(`{"b":"2","shared":"server"}`)

	res := ResolveTask(pushed, server, "server")

	var merged map[string]string
	if err := json.Unmarshal(res.Merged.CustomFields, &merged); err != nil {
		t.Fatalf("unmarshal merged custom fields: %v", err)
	}
	if merged["a"] != "1" || merged["b"] != "2" {
		t.Fatalf("expected one-sided keys preserved, got %v", merged)
	}
	if merged["shared"] != "server" {
		t.Fatalf("expected server value to win on differing shared key, got %v", merged)
	}
	found := false
	for _, n := range res.ConflictNotes {
		if n != "" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a conflict note recording the differing custom_fields key")
	}
}

func TestResolveTaskCompletedAtMaxOfBothWhenDone(t *testing.T) {
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)

	pushed := baseTask()
	pushed.Status = types.StatusDone
	pushed.CompletedAt = &later
	server := baseTask()
	server.Status = types.StatusDone
	server.CompletedAt = &earlier

	res := ResolveTask(pushed, server, "server")
	if res.Merged.CompletedAt == nil || !res.Merged.CompletedAt.Equal(later) {
		t.Fatalf("expected later completed_at to win, got %v", res.Merged.CompletedAt)
	}
}

func TestResolveCommentConcurrentContentEditIsManual(t *testing.T) {
	pushed := &types.Comment{ID: "c1", Content: "local edit", VectorClock: vclock.Clock{"device-a": 1}}
	server := &types.Comment{ID: "c1", Content: "server edit", VectorClock: vclock.Clock{"device-b": 1}}

	res := ResolveComment(pushed, server, "server")
	if len(res.ManualFields) != 1 || res.ManualFields[0] != "content" {
		t.Fatalf("expected manual=[content], got %v", res.ManualFields)
	}
	if res.Merged.Content != "server edit" {
		t.Fatalf("expected server content kept, got %q", res.Merged.Content)
	}
}

func TestResolveCommentDeleteWinsOverEdit(t *testing.T) {
	now := time.Now()
	pushed := &types.Comment{ID: "c1", Content: "edited", VectorClock: vclock.Clock{"device-a": 1}}
	deletedAt := now
	server := &types.Comment{ID: "c1", Content: "orig", DeletedAt: &deletedAt, VectorClock: vclock.Clock{"device-b": 1}}

	res := ResolveComment(pushed, server, "server")
	if !res.DeleteWins {
		t.Fatal("expected delete to win over concurrent edit")
	}
	if !res.Merged.IsDeleted() {
		t.Fatal("expected merged comment to remain deleted")
	}
}

func TestIdempotentCreateMatchesOnChecksum(t *testing.T) {
	if !IdempotentCreate("abc", "abc") {
		t.Fatal("expected matching checksums to be idempotent")
	}
	if IdempotentCreate("abc", "def") {
		t.Fatal("expected differing checksums to not be idempotent")
	}
	if IdempotentCreate("", "") {
		t.Fatal("expected empty checksum to never be treated as idempotent")
	}
}

func TestSecondCreatorWinsPicksLaterTimestamp(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)
	a := &types.Comment{ID: "c1", Content: "first", CreatedAt: early}
	b := &types.Comment{ID: "c1", Content: "second", CreatedAt: late}

	winner := SecondCreatorWins(a, b)
	if winner.Content != "second" {
		t.Fatalf("expected later creator to win, got %q", winner.Content)
	}
}
