// Package local is the device-side write path: the API a UI calls to
// create, update and delete tasks and comments on the local replica. Every
// mutation stamps replication metadata, increments this device's
// counter in the entity's vector clock by exactly one, and appends a
// payload snapshot to the outbox at the priority tier for the kind of
// change.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/replicore/core/internal/outbox"
	"github.com/replicore/core/internal/store"
	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
)

// ErrValidation wraps every field-limit violation.
var ErrValidation = errors.New("validation failed")

// Workspace binds the local store and outbox to the acting user.
type Workspace struct {
	store  *store.Store
	outbox *outbox.Outbox
	userID string
}

// New builds a Workspace for userID over s and ob.
func New(s *store.Store, ob *outbox.Outbox, userID string) *Workspace {
	return &Workspace{store: s, outbox: ob, userID: userID}
}

// CreateTask stores a new task and queues its creation for push. The
// caller provides payload fields; identity and replication metadata are
// stamped here.
func (w *Workspace) CreateTask(ctx context.Context, task *types.Task) (*types.Task, error) {
	if err := validateTask(task); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := task.Clone()
	if t.ID == "" {
		t.ID = types.NewID()
	}
	if t.Status == "" {
		t.Status = types.StatusTodo
	}
	if t.Priority == "" {
		t.Priority = types.PriorityMedium
	}
	t.Version = 1
	t.VectorClock = vclock.Increment(nil, w.store.DeviceID())
	t.Checksum = taskChecksum(t)
	t.LastModifiedBy = w.userID
	t.LastModifiedDevice = w.store.DeviceID()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.DeletedAt = nil

	if _, err := w.store.IncrementLocalClock(ctx); err != nil {
		return nil, fmt.Errorf("create task: bump device clock: %w", err)
	}
	if err := w.store.PutTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := w.enqueue(ctx, types.EntityTask, t.ID, types.OpCreate, t, types.PriorityCreate, now); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTask applies the caller's edited copy over the stored one. The
// outbox priority tier is derived from which fields actually changed.
func (w *Workspace) UpdateTask(ctx context.Context, updated *types.Task) (*types.Task, error) {
	if err := validateTask(updated); err != nil {
		return nil, err
	}

	current, err := w.store.GetTask(ctx, updated.ID)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if current.IsDeleted() {
		return nil, fmt.Errorf("update task %s: %w", updated.ID, store.ErrNotFound)
	}
	if updated.OrganizationID != current.OrganizationID {
		// Organization scope is immutable for the life of an entity.
		return nil, fmt.Errorf("%w: organization scope is immutable", ErrValidation)
	}

	now := time.Now().UTC()
	t := updated.Clone()
	t.Version = current.Version + 1
	t.VectorClock = vclock.Increment(current.VectorClock, w.store.DeviceID())
	t.Checksum = taskChecksum(t)
	t.LastModifiedBy = w.userID
	t.LastModifiedDevice = w.store.DeviceID()
	t.CreatedAt = current.CreatedAt
	t.UpdatedAt = now
	t.DeletedAt = nil

	priority := classifyTaskUpdate(current, t)

	if _, err := w.store.IncrementLocalClock(ctx); err != nil {
		return nil, fmt.Errorf("update task: bump device clock: %w", err)
	}
	if err := w.store.PutTask(ctx, t); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := w.store.MarkPending(ctx, types.EntityTask, t.ID); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := w.enqueue(ctx, types.EntityTask, t.ID, types.OpUpdate, t, priority, now); err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteTask soft-deletes the task, cascades to its local child comments
// with tombstones for each, and queues the delete for push. Pending
// outbox entries for the children are retired locally: the server's own
// cascade will delete them server-side, so pushing them would only produce
// orphan acknowledgments.
func (w *Workspace) DeleteTask(ctx context.Context, id string) error {
	current, err := w.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if current.IsDeleted() {
		return nil
	}

	now := time.Now().UTC()
	clock := vclock.Increment(current.VectorClock, w.store.DeviceID())

	if _, err := w.store.IncrementLocalClock(ctx); err != nil {
		return fmt.Errorf("delete task: bump device clock: %w", err)
	}
	children, err := w.store.CascadeSoftDeleteChildren(ctx, id, current.OrganizationID, w.userID, w.store.DeviceID(), clock, now)
	if err != nil {
		return fmt.Errorf("delete task: cascade children: %w", err)
	}
	if err := w.store.SoftDeleteTask(ctx, id, current.OrganizationID, w.userID, w.store.DeviceID(), clock, now); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	for _, childID := range children {
		if err := w.outbox.AckEntity(ctx, types.EntityComment, childID); err != nil {
			return fmt.Errorf("delete task: retire child %s: %w", childID, err)
		}
	}

	deleted := current.Clone()
	deleted.VectorClock = clock
	deleted.DeletedAt = &now
	deleted.UpdatedAt = now
	return w.enqueue(ctx, types.EntityTask, id, types.OpDelete, deleted, types.PriorityDelete, now)
}

// CreateComment stores a new comment under a live parent task and queues
// its creation.
func (w *Workspace) CreateComment(ctx context.Context, comment *types.Comment) (*types.Comment, error) {
	if err := validateComment(comment); err != nil {
		return nil, err
	}
	parent, err := w.store.GetTask(ctx, comment.TaskID)
	if err != nil {
		return nil, fmt.Errorf("create comment: parent task: %w", err)
	}
	if parent.IsDeleted() {
		return nil, fmt.Errorf("create comment: parent task %s: %w", comment.TaskID, store.ErrNotFound)
	}

	now := time.Now().UTC()
	c := comment.Clone()
	if c.ID == "" {
		c.ID = types.NewID()
	}
	c.OrganizationID = parent.OrganizationID
	c.AuthorID = w.userID
	c.IsEdited = false
	c.Version = 1
	c.VectorClock = vclock.Increment(nil, w.store.DeviceID())
	c.Checksum = commentChecksum(c)
	c.LastModifiedBy = w.userID
	c.LastModifiedDevice = w.store.DeviceID()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.DeletedAt = nil

	if _, err := w.store.IncrementLocalClock(ctx); err != nil {
		return nil, fmt.Errorf("create comment: bump device clock: %w", err)
	}
	if err := w.store.PutComment(ctx, c); err != nil {
		return nil, fmt.Errorf("create comment: %w", err)
	}
	if err := w.enqueue(ctx, types.EntityComment, c.ID, types.OpCreate, c, types.PriorityCreate, now); err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateComment replaces the comment's content, marking it edited.
func (w *Workspace) UpdateComment(ctx context.Context, id, content string) (*types.Comment, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: comment content must not be empty", ErrValidation)
	}
	current, err := w.store.GetComment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("update comment: %w", err)
	}
	if current.IsDeleted() {
		return nil, fmt.Errorf("update comment %s: %w", id, store.ErrNotFound)
	}

	now := time.Now().UTC()
	c := current.Clone()
	c.Content = content
	c.IsEdited = true
	c.Version = current.Version + 1
	c.VectorClock = vclock.Increment(current.VectorClock, w.store.DeviceID())
	c.Checksum = commentChecksum(c)
	c.LastModifiedBy = w.userID
	c.LastModifiedDevice = w.store.DeviceID()
	c.UpdatedAt = now

	if _, err := w.store.IncrementLocalClock(ctx); err != nil {
		return nil, fmt.Errorf("update comment: bump device clock: %w", err)
	}
	if err := w.store.PutComment(ctx, c); err != nil {
		return nil, fmt.Errorf("update comment: %w", err)
	}
	if err := w.store.MarkPending(ctx, types.EntityComment, c.ID); err != nil {
		return nil, fmt.Errorf("update comment: %w", err)
	}
	if err := w.enqueue(ctx, types.EntityComment, c.ID, types.OpUpdate, c, types.PriorityFieldUpdate, now); err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteComment soft-deletes one comment and queues the delete.
func (w *Workspace) DeleteComment(ctx context.Context, id string) error {
	current, err := w.store.GetComment(ctx, id)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if current.IsDeleted() {
		return nil
	}

	now := time.Now().UTC()
	clock := vclock.Increment(current.VectorClock, w.store.DeviceID())

	if _, err := w.store.IncrementLocalClock(ctx); err != nil {
		return fmt.Errorf("delete comment: bump device clock: %w", err)
	}
	if err := w.store.SoftDeleteComment(ctx, id, current.OrganizationID, w.userID, w.store.DeviceID(), clock, now); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}

	deleted := current.Clone()
	deleted.VectorClock = clock
	deleted.DeletedAt = &now
	deleted.UpdatedAt = now
	return w.enqueue(ctx, types.EntityComment, id, types.OpDelete, deleted, types.PriorityDelete, now)
}

func (w *Workspace) enqueue(ctx context.Context, entityType types.EntityType, id string, op types.Operation, payload any, priority int, now time.Time) error {
	snapshot, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("snapshot %s %s: %w", entityType, id, err)
	}
	if _, err := w.outbox.Enqueue(ctx, entityType, id, op, snapshot, priority, now); err != nil {
		return fmt.Errorf("enqueue %s %s: %w", entityType, id, err)
	}
	return nil
}

// classifyTaskUpdate maps a diff between old and new onto the
// priority tiers: status or assignment changes lead, general field edits
// follow, tag/position-only touch-ups trail, and a write that changed no
// payload field at all is trivial metadata.
func classifyTaskUpdate(prev, next *types.Task) int {
	if prev.Status != next.Status || !strPtrEq(prev.AssignedTo, next.AssignedTo) {
		return types.PriorityStatusChange
	}

	fieldChanged := prev.Title != next.Title ||
		!strPtrEq(prev.Description, next.Description) ||
		prev.Priority != next.Priority ||
		!timePtrEq(prev.DueDate, next.DueDate) ||
		!timePtrEq(prev.CompletedAt, next.CompletedAt) ||
		prev.ProjectID != next.ProjectID ||
		!rawEq(prev.CustomFields, next.CustomFields)
	if fieldChanged {
		return types.PriorityFieldUpdate
	}

	if !tagsEq(prev.Tags, next.Tags) || prev.Position != next.Position {
		return types.PriorityTagPosition
	}
	return types.PriorityMetadata
}

func validateTask(t *types.Task) error {
	if t.Title == "" {
		return fmt.Errorf("%w: title must not be empty", ErrValidation)
	}
	if len(t.Title) > types.MaxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", ErrValidation, types.MaxTitleLength)
	}
	if t.Description != nil && len(*t.Description) > types.MaxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrValidation, types.MaxDescriptionLength)
	}
	if t.OrganizationID == "" {
		return fmt.Errorf("%w: organization scope is required", ErrValidation)
	}
	if t.Status != "" && types.StatusRank(t.Status) < 0 {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, t.Status)
	}
	if t.Priority != "" && types.PriorityRank(t.Priority) < 0 {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, t.Priority)
	}
	if len(t.Tags) > types.MaxTagCount {
		return fmt.Errorf("%w: more than %d tags", ErrValidation, types.MaxTagCount)
	}
	for _, tag := range t.Tags {
		if len(tag) > types.MaxTagLength {
			return fmt.Errorf("%w: tag %q exceeds %d characters", ErrValidation, tag, types.MaxTagLength)
		}
	}
	return nil
}

func validateComment(c *types.Comment) error {
	if c.TaskID == "" {
		return fmt.Errorf("%w: comment requires a parent task", ErrValidation)
	}
	if c.Content == "" {
		return fmt.Errorf("%w: comment content must not be empty", ErrValidation)
	}
	return nil
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEq(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func rawEq(a, b json.RawMessage) bool {
	return string(a) == string(b)
}

func tagsEq(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
