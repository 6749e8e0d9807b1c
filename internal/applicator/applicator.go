// Package applicator implements the device-side change applicator:
// given an authoritative remote entity arriving from pull and the local
// copy (possibly absent, possibly locally modified), it decides whether to
// accept, reject-as-stale, or flag a conflict for manual surfacing.
package applicator

import (
	"context"
	"fmt"
	"time"

	"github.com/replicore/core/internal/outbox"
	"github.com/replicore/core/internal/store"
	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
)

// Decision is the outcome of applying one remote entity.
type Decision string

const (
	// DecisionAccepted means the remote entity was stored as the new local
	// state (possibly overwriting a pending outbox entry that is now moot).
	DecisionAccepted Decision = "accepted"
	// DecisionStale means the remote entity was discarded because the local
	// copy is causally ahead (or equal, with no local outstanding change).
	DecisionStale Decision = "stale"
	// DecisionConflict means local has a pending change concurrent with the
	// remote entity; the device does not auto-resolve, and the UI must
	// surface it.
	DecisionConflict Decision = "conflict"
)

// Applicator applies pulled entities and tombstones against the device's
// local store and outbox.
type Applicator struct {
	store  *store.Store
	outbox *outbox.Outbox
}

// New builds an Applicator over s and ob, which must share the same
// underlying connection (s.DB() == the db ob was constructed with).
func New(s *store.Store, ob *outbox.Outbox) *Applicator {
	return &Applicator{store: s, outbox: ob}
}

// ConflictNotice describes a local entity that was marked conflicting
// against an incoming remote version, for the UI to surface.
type ConflictNotice struct {
	EntityType   types.EntityType
	EntityID     string
	LocalClock   vclock.Clock
	RemoteClock  vclock.Clock
}

// ApplyTask applies one remote task R pulled from the server against the
// local copy, consulting the outbox for an outstanding entry on the same
// entity.
func (a *Applicator) ApplyTask(ctx context.Context, remote *types.Task) (Decision, *ConflictNotice, error) {
	local, err := a.store.GetTask(ctx, remote.ID)
	if err != nil {
		if err == store.ErrNotFound {
			// Step 1: L absent -> store R as-is, not-locally-modified.
			if putErr := a.store.PutTask(ctx, remote); putErr != nil {
				return "", nil, fmt.Errorf("apply task %s: %w", remote.ID, putErr)
			}
			if markErr := a.store.MarkSynced(ctx, types.EntityTask, remote.ID); markErr != nil {
				return "", nil, fmt.Errorf("apply task %s: mark synced: %w", remote.ID, markErr)
			}
			return DecisionAccepted, nil, nil
		}
		return "", nil, fmt.Errorf("apply task %s: load local: %w", remote.ID, err)
	}

	pending, err := a.outbox.EntriesForEntity(ctx, types.EntityTask, remote.ID)
	if err != nil {
		return "", nil, fmt.Errorf("apply task %s: pending entries: %w", remote.ID, err)
	}

	if len(pending) == 0 {
		// Step 2: no pending local changes; store R unless L dominates it.
		if ord := vclock.Compare(remote.VectorClock, local.VectorClock); ord == vclock.After || ord == vclock.Concurrent {
			if err := a.store.PutTask(ctx, remote); err != nil {
				return "", nil, fmt.Errorf("apply task %s: %w", remote.ID, err)
			}
			if err := a.store.MarkSynced(ctx, types.EntityTask, remote.ID); err != nil {
				return "", nil, fmt.Errorf("apply task %s: mark synced: %w", remote.ID, err)
			}
			return DecisionAccepted, nil, nil
		}
		return DecisionStale, nil, nil
	}

	// Step 3: local has pending changes.
	switch vclock.Compare(local.VectorClock, remote.VectorClock) {
	case vclock.Equal, vclock.Before:
		if err := a.store.PutTask(ctx, remote); err != nil {
			return "", nil, fmt.Errorf("apply task %s: %w", remote.ID, err)
		}
		if err := a.store.MarkSynced(ctx, types.EntityTask, remote.ID); err != nil {
			return "", nil, fmt.Errorf("apply task %s: mark synced: %w", remote.ID, err)
		}
		if err := a.outbox.AckEntity(ctx, types.EntityTask, remote.ID); err != nil {
			return "", nil, fmt.Errorf("apply task %s: ack outbox: %w", remote.ID, err)
		}
		return DecisionAccepted, nil, nil
	case vclock.After:
		return DecisionStale, nil, nil
	default: // Concurrent
		return DecisionConflict, &ConflictNotice{
			EntityType:  types.EntityTask,
			EntityID:    remote.ID,
			LocalClock:  local.VectorClock,
			RemoteClock: remote.VectorClock,
		}, nil
	}
}

// ApplyComment mirrors ApplyTask for comments.
func (a *Applicator) ApplyComment(ctx context.Context, remote *types.Comment) (Decision, *ConflictNotice, error) {
	local, err := a.store.GetComment(ctx, remote.ID)
	if err != nil {
		if err == store.ErrNotFound {
			if putErr := a.store.PutComment(ctx, remote); putErr != nil {
				return "", nil, fmt.Errorf("apply comment %s: %w", remote.ID, putErr)
			}
			if markErr := a.store.MarkSynced(ctx, types.EntityComment, remote.ID); markErr != nil {
				return "", nil, fmt.Errorf("apply comment %s: mark synced: %w", remote.ID, markErr)
			}
			return DecisionAccepted, nil, nil
		}
		return "", nil, fmt.Errorf("apply comment %s: load local: %w", remote.ID, err)
	}

	pending, err := a.outbox.EntriesForEntity(ctx, types.EntityComment, remote.ID)
	if err != nil {
		return "", nil, fmt.Errorf("apply comment %s: pending entries: %w", remote.ID, err)
	}

	if len(pending) == 0 {
		if ord := vclock.Compare(remote.VectorClock, local.VectorClock); ord == vclock.After || ord == vclock.Concurrent {
			if err := a.store.PutComment(ctx, remote); err != nil {
				return "", nil, fmt.Errorf("apply comment %s: %w", remote.ID, err)
			}
			if err := a.store.MarkSynced(ctx, types.EntityComment, remote.ID); err != nil {
				return "", nil, fmt.Errorf("apply comment %s: mark synced: %w", remote.ID, err)
			}
			return DecisionAccepted, nil, nil
		}
		return DecisionStale, nil, nil
	}

	switch vclock.Compare(local.VectorClock, remote.VectorClock) {
	case vclock.Equal, vclock.Before:
		if err := a.store.PutComment(ctx, remote); err != nil {
			return "", nil, fmt.Errorf("apply comment %s: %w", remote.ID, err)
		}
		if err := a.store.MarkSynced(ctx, types.EntityComment, remote.ID); err != nil {
			return "", nil, fmt.Errorf("apply comment %s: mark synced: %w", remote.ID, err)
		}
		if err := a.outbox.AckEntity(ctx, types.EntityComment, remote.ID); err != nil {
			return "", nil, fmt.Errorf("apply comment %s: ack outbox: %w", remote.ID, err)
		}
		return DecisionAccepted, nil, nil
	case vclock.After:
		return DecisionStale, nil, nil
	default:
		return DecisionConflict, &ConflictNotice{
			EntityType:  types.EntityComment,
			EntityID:    remote.ID,
			LocalClock:  local.VectorClock,
			RemoteClock: remote.VectorClock,
		}, nil
	}
}

// ApplyTombstone processes an incoming tombstone: soft-deletes the entity locally, cascades to any
// locally-present child comments if it is a task, and removes outbox
// entries targeting the entity or its orphaned children.
func (a *Applicator) ApplyTombstone(ctx context.Context, tomb *types.Tombstone, now time.Time) error {
	switch tomb.EntityType {
	case types.EntityTask:
		if _, err := a.store.GetTask(ctx, tomb.EntityID); err != nil {
			if err == store.ErrNotFound {
				// Nothing local to retire; still record the tombstone so a
				// later create-after-delete race is recognized.
				return a.store.PutTombstone(ctx, tomb)
			}
			return fmt.Errorf("apply tombstone %s: load task: %w", tomb.EntityID, err)
		}

		affected, err := a.store.CascadeMarkChildrenDeleted(ctx, tomb.EntityID, now)
		if err != nil {
			return fmt.Errorf("apply tombstone %s: cascade children: %w", tomb.EntityID, err)
		}
		if err := a.store.ApplyReceivedTombstone(ctx, "tasks", tomb, now); err != nil {
			return fmt.Errorf("apply tombstone %s: soft delete task: %w", tomb.EntityID, err)
		}
		if err := a.outbox.AckEntity(ctx, types.EntityTask, tomb.EntityID); err != nil {
			return fmt.Errorf("apply tombstone %s: ack outbox: %w", tomb.EntityID, err)
		}
		for _, childID := range affected {
			if err := a.outbox.AckEntity(ctx, types.EntityComment, childID); err != nil {
				return fmt.Errorf("apply tombstone %s: ack child %s: %w", tomb.EntityID, childID, err)
			}
		}
		return nil

	case types.EntityComment:
		if _, err := a.store.GetComment(ctx, tomb.EntityID); err != nil {
			if err == store.ErrNotFound {
				return a.store.PutTombstone(ctx, tomb)
			}
			return fmt.Errorf("apply tombstone %s: load comment: %w", tomb.EntityID, err)
		}
		if err := a.store.ApplyReceivedTombstone(ctx, "comments", tomb, now); err != nil {
			return fmt.Errorf("apply tombstone %s: soft delete comment: %w", tomb.EntityID, err)
		}
		return a.outbox.AckEntity(ctx, types.EntityComment, tomb.EntityID)

	default:
		return fmt.Errorf("apply tombstone %s: unknown entity type %q", tomb.EntityID, tomb.EntityType)
	}
}
