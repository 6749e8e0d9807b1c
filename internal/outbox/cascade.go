package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/replicore/core/internal/store"
	"github.com/replicore/core/internal/types"
)


// FilterOrphans applies the cascade pre-filter: before a batch of
// comment entries is pushed, drop any comment whose parent task is either
// already locally soft-deleted, or is itself present in the same batch as
// a delete. Orphaned comments are discarded from the push, not sent, and
// not retried; the caller should Ack them locally.
func FilterOrphans(ctx context.Context, s *store.Store, entries []*types.OutboxEntry) (keep, orphaned []*types.OutboxEntry, err error) {
	deletedTasksInBatch := make(map[string]bool)
	for _, e := range entries {
		if e.EntityType == types.EntityTask && e.Operation == types.OpDelete {
			deletedTasksInBatch[e.EntityID] = true
		}
	}

	taskDeletedLocally := make(map[string]bool)

	for _, e := range entries {
		if e.EntityType != types.EntityComment {
			keep = append(keep, e)
			continue
		}

		taskID, err := commentTaskID(e)
		if err != nil {
			return nil, nil, fmt.Errorf("filter orphans: %w", err)
		}

		if deletedTasksInBatch[taskID] {
			orphaned = append(orphaned, e)
			continue
		}

		deleted, ok := taskDeletedLocally[taskID]
		if !ok {
			task, err := s.GetTask(ctx, taskID)
			switch {
			case err == nil:
				deleted = task.IsDeleted()
			default:
				// Parent task not present locally at all is not an orphan
				// condition this pre-filter governs; let the server decide.
				deleted = false
			}
			taskDeletedLocally[taskID] = deleted
		}

		if deleted {
			orphaned = append(orphaned, e)
			continue
		}

		keep = append(keep, e)
	}

	return keep, orphaned, nil
}

func commentTaskID(e *types.OutboxEntry) (string, error) {
	var payload struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return "", fmt.Errorf("decode comment payload: %w", err)
	}
	return payload.TaskID, nil
}
