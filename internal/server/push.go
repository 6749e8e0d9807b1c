package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/replicore/core/internal/resolver"
	"github.com/replicore/core/internal/serverstore"
	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
	"github.com/replicore/core/internal/wire"
)

// errForbidden aborts the whole batch: the caller lacks write permission
// for the entity's organization. The batch is from one user,
// so permission holds or fails uniformly.
var errForbidden = errors.New("forbidden")

// pushState accumulates the outcome of one batch as entities process.
type pushState struct {
	processed int
	conflicts []wire.Conflict
	orphaned  []wire.OrphanRef
	invalid   []wire.InvalidRef
	// written collects every clock stamped during the batch, merged into
	// the org clock cache at the end.
	written vclock.Clock
}

func (p *pushState) recordClock(clock vclock.Clock) {
	p.written = vclock.Merge(p.written, clock)
}

// handlePush serves POST /api/sync/push/.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, c *caller) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, wire.CodeInvalidRequest, "method not allowed")
		return
	}
	if s.rateLimited(w, s.pushLimits, c.claims.UserID) {
		return
	}
	started := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, wire.CodeInvalidRequest, "failed to read request body")
		return
	}
	var req wire.PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, wire.CodeInvalidRequest, "malformed push body")
		return
	}
	if req.DeviceID != c.device.ID {
		s.writeError(w, http.StatusBadRequest, wire.CodeInvalidRequest, "deviceId does not match "+DeviceHeader)
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	state := &pushState{}

	// A schema-invalid entry is fatal for that entry alone: it is recorded
	// in the response's invalid list and the rest of the batch proceeds.
	// Entries processed before it are already durable, so aborting the
	// whole request here would leave the device unable to ack them.
	for _, change := range req.Changes.Tasks {
		if err := s.applyTaskChange(ctx, c, change, now, state); err != nil {
			var invalid *invalidChangeError
			if errors.As(err, &invalid) {
				state.invalid = append(state.invalid, wire.InvalidRef{
					EntityType: string(types.EntityTask), EntityID: invalid.entityID, Reason: invalid.reason,
				})
				continue
			}
			s.pushFailure(w, r, c, started, err)
			return
		}
	}
	for _, change := range req.Changes.Comments {
		if err := s.applyCommentChange(ctx, c, change, now, state); err != nil {
			var invalid *invalidChangeError
			if errors.As(err, &invalid) {
				state.invalid = append(state.invalid, wire.InvalidRef{
					EntityType: string(types.EntityComment), EntityID: invalid.entityID, Reason: invalid.reason,
				})
				continue
			}
			s.pushFailure(w, r, c, started, err)
			return
		}
	}

	orgClock, err := s.clocks.Advance(ctx, c.claims.OrgID, state.written)
	if err != nil {
		s.internalError(w, "advance org clock", err)
		return
	}
	if err := s.store.TouchDevice(ctx, c.device.ID, req.VectorClock, now); err != nil {
		s.log.Warn("touch device", "error", err, "device", c.device.ID)
	}

	if state.conflicts == nil {
		state.conflicts = []wire.Conflict{}
	}
	if state.orphaned == nil {
		state.orphaned = []wire.OrphanRef{}
	}
	if state.invalid == nil {
		state.invalid = []wire.InvalidRef{}
	}
	resp := &wire.PushResponse{
		Success:           true,
		Processed:         state.processed,
		Conflicts:         state.conflicts,
		Orphaned:          state.orphaned,
		Invalid:           state.invalid,
		ServerVectorClock: orgClock,
		Timestamp:         wire.Millis(time.Now().UTC()),
	}

	s.metrics.RecordPush(ctx, state.processed, len(state.conflicts))
	s.appendSyncLog(r, c, types.SyncTypePush, state.processed, 0, len(state.conflicts), 0, started, "ok", "")
	s.log.Debug("push processed", "device", c.device.ID, "org", c.claims.OrgID,
		"processed", state.processed, "conflicts", len(state.conflicts),
		"orphaned", len(state.orphaned), "invalid", len(state.invalid))

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pushFailure(w http.ResponseWriter, r *http.Request, c *caller, started time.Time, err error) {
	if errors.Is(err, errForbidden) {
		s.appendSyncLog(r, c, types.SyncTypePush, 0, 0, 0, 0, started, "forbidden", err.Error())
		s.writeError(w, http.StatusForbidden, wire.CodeForbidden, "write permission denied for organization")
		return
	}
	s.appendSyncLog(r, c, types.SyncTypePush, 0, 0, 0, 0, started, "error", err.Error())
	s.internalError(w, "apply push batch", err)
}

// invalidChangeError marks a schema-invalid entry. It is reported in the
// response's invalid list so the device parks exactly that entry; it never
// fails the batch.
type invalidChangeError struct {
	entityID string
	reason   string
}

func (e *invalidChangeError) Error() string {
	return fmt.Sprintf("invalid change %s: %s", e.entityID, e.reason)
}

func (s *Server) applyTaskChange(ctx context.Context, c *caller, change wire.Change, now time.Time, state *pushState) error {
	pushed := &types.Task{}
	if err := json.Unmarshal(change.Data, pushed); err != nil {
		return &invalidChangeError{entityID: change.ID, reason: "malformed task payload"}
	}
	if pushed.ID == "" {
		pushed.ID = change.ID
	}
	if pushed.ID != change.ID {
		return &invalidChangeError{entityID: change.ID, reason: "payload id does not match change id"}
	}

	server, err := s.store.GetTask(ctx, pushed.ID)
	exists := err == nil
	if err != nil && !errors.Is(err, serverstore.ErrNotFound) {
		return fmt.Errorf("load task %s: %w", pushed.ID, err)
	}

	// Write permission for the entity's organization must hold for the
	// whole batch.
	if exists {
		if server.OrganizationID != c.claims.OrgID {
			return errForbidden
		}
	} else if pushed.OrganizationID != c.claims.OrgID {
		return errForbidden
	}

	op := change.Operation
	if op == types.OpCreate && exists {
		if resolver.IdempotentCreate(pushed.Checksum, server.Checksum) {
			state.processed++
			return nil
		}
		op = types.OpUpdate
	}

	switch op {
	case types.OpCreate:
		if err := validateWireTask(pushed); err != nil {
			return err
		}
		stored := pushed.Clone()
		stored.UpdatedAt = now
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		if err := s.store.PutTask(ctx, stored); err != nil {
			return fmt.Errorf("create task %s: %w", stored.ID, err)
		}
		state.recordClock(stored.VectorClock)
		state.processed++
		return nil

	case types.OpUpdate:
		if !exists {
			// An update for an id the server never saw: store it rather
			// than lose the data; the device is ahead of us.
			stored := pushed.Clone()
			stored.UpdatedAt = now
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = now
			}
			if err := s.store.PutTask(ctx, stored); err != nil {
				return fmt.Errorf("create task %s: %w", stored.ID, err)
			}
			state.recordClock(stored.VectorClock)
			state.processed++
			return nil
		}
		if server.IsDeleted() {
			// An update to a soft-deleted entity is an orphan
			// acknowledgment, not an error.
			state.orphaned = append(state.orphaned, wire.OrphanRef{EntityType: string(types.EntityTask), EntityID: pushed.ID})
			return nil
		}
		if err := validateWireTask(pushed); err != nil {
			return err
		}

		switch vclock.Compare(pushed.VectorClock, server.VectorClock) {
		case vclock.After, vclock.Equal:
			stored := pushed.Clone()
			stored.VectorClock = vclock.Merge(pushed.VectorClock, server.VectorClock)
			stored.Version = maxVersion(pushed.Version, server.Version)
			stored.CreatedAt = server.CreatedAt
			stored.UpdatedAt = now
			if err := s.store.PutTask(ctx, stored); err != nil {
				return fmt.Errorf("update task %s: %w", stored.ID, err)
			}
			state.recordClock(stored.VectorClock)
			state.processed++
			return nil

		case vclock.Before:
			// Stale: the server has already seen a causally later state.
			state.processed++
			return nil

		default: // Concurrent: field-level resolution.
			resolution := resolver.ResolveTask(pushed, server, s.serverDeviceID)
			merged := resolution.Merged
			merged.UpdatedAt = now
			if err := s.store.PutTask(ctx, merged); err != nil {
				return fmt.Errorf("merge task %s: %w", merged.ID, err)
			}
			state.recordClock(merged.VectorClock)

			if len(resolution.ManualFields) > 0 {
				if err := s.recordConflict(ctx, types.EntityTask, pushed.ID, change.Data, server, pushed.VectorClock, resolution, state); err != nil {
					return err
				}
			} else {
				state.processed++
			}
			return nil
		}

	case types.OpDelete:
		if !exists {
			state.processed++
			return nil
		}
		if server.IsDeleted() {
			state.orphaned = append(state.orphaned, wire.OrphanRef{EntityType: string(types.EntityTask), EntityID: pushed.ID})
			return nil
		}
		clock := vclock.Merge(pushed.VectorClock, server.VectorClock)
		if _, err := s.store.SoftDeleteTaskCascade(ctx, pushed.ID, server.OrganizationID, c.claims.UserID, c.device.ID, clock, now); err != nil {
			return fmt.Errorf("delete task %s: %w", pushed.ID, err)
		}
		state.recordClock(clock)
		state.processed++
		return nil

	default:
		return &invalidChangeError{entityID: change.ID, reason: fmt.Sprintf("unknown operation %q", change.Operation)}
	}
}

func (s *Server) applyCommentChange(ctx context.Context, c *caller, change wire.Change, now time.Time, state *pushState) error {
	pushed := &types.Comment{}
	if err := json.Unmarshal(change.Data, pushed); err != nil {
		return &invalidChangeError{entityID: change.ID, reason: "malformed comment payload"}
	}
	if pushed.ID == "" {
		pushed.ID = change.ID
	}
	if pushed.ID != change.ID {
		return &invalidChangeError{entityID: change.ID, reason: "payload id does not match change id"}
	}
	if pushed.TaskID == "" {
		return &invalidChangeError{entityID: change.ID, reason: "comment missing parent task"}
	}

	server, err := s.store.GetComment(ctx, pushed.ID)
	exists := err == nil
	if err != nil && !errors.Is(err, serverstore.ErrNotFound) {
		return fmt.Errorf("load comment %s: %w", pushed.ID, err)
	}

	if exists {
		if server.OrganizationID != c.claims.OrgID {
			return errForbidden
		}
	} else if pushed.OrganizationID != c.claims.OrgID {
		return errForbidden
	}

	// A comment whose parent task is soft-deleted at processing time is
	// dropped silently and reported as orphaned so the device can ack its
	// outbox entry.
	parent, err := s.store.GetTask(ctx, pushed.TaskID)
	if err != nil {
		if errors.Is(err, serverstore.ErrNotFound) {
			state.orphaned = append(state.orphaned, wire.OrphanRef{EntityType: string(types.EntityComment), EntityID: pushed.ID})
			return nil
		}
		return fmt.Errorf("load parent task %s: %w", pushed.TaskID, err)
	}
	if parent.IsDeleted() {
		state.orphaned = append(state.orphaned, wire.OrphanRef{EntityType: string(types.EntityComment), EntityID: pushed.ID})
		return nil
	}
	if parent.OrganizationID != c.claims.OrgID {
		return errForbidden
	}

	op := change.Operation
	if op == types.OpCreate && exists {
		if server.Content == pushed.Content {
			// Concurrent create-with-same-id with identical content is
			// idempotent.
			state.processed++
			return nil
		}
		// Content differs: the second creator wins by timestamp tiebreak.
		winner := resolver.SecondCreatorWins(server, pushed)
		stored := winner.Clone()
		stored.VectorClock = vclock.Merge(pushed.VectorClock, server.VectorClock)
		stored.Version = maxVersion(pushed.Version, server.Version)
		stored.UpdatedAt = now
		if err := s.store.PutComment(ctx, stored); err != nil {
			return fmt.Errorf("recreate comment %s: %w", stored.ID, err)
		}
		state.recordClock(stored.VectorClock)
		state.processed++
		return nil
	}

	switch op {
	case types.OpCreate:
		stored := pushed.Clone()
		stored.OrganizationID = parent.OrganizationID
		stored.UpdatedAt = now
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		if err := s.store.PutComment(ctx, stored); err != nil {
			return fmt.Errorf("create comment %s: %w", stored.ID, err)
		}
		state.recordClock(stored.VectorClock)
		state.processed++
		return nil

	case types.OpUpdate:
		if !exists {
			stored := pushed.Clone()
			stored.OrganizationID = parent.OrganizationID
			stored.UpdatedAt = now
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = now
			}
			if err := s.store.PutComment(ctx, stored); err != nil {
				return fmt.Errorf("create comment %s: %w", stored.ID, err)
			}
			state.recordClock(stored.VectorClock)
			state.processed++
			return nil
		}
		if server.IsDeleted() {
			// Concurrent edit vs. delete: delete wins.
			state.orphaned = append(state.orphaned, wire.OrphanRef{EntityType: string(types.EntityComment), EntityID: pushed.ID})
			return nil
		}

		switch vclock.Compare(pushed.VectorClock, server.VectorClock) {
		case vclock.After, vclock.Equal:
			stored := pushed.Clone()
			stored.VectorClock = vclock.Merge(pushed.VectorClock, server.VectorClock)
			stored.Version = maxVersion(pushed.Version, server.Version)
			stored.CreatedAt = server.CreatedAt
			stored.UpdatedAt = now
			if err := s.store.PutComment(ctx, stored); err != nil {
				return fmt.Errorf("update comment %s: %w", stored.ID, err)
			}
			state.recordClock(stored.VectorClock)
			state.processed++
			return nil

		case vclock.Before:
			state.processed++
			return nil

		default: // Concurrent
			resolution := resolver.ResolveComment(pushed, server, s.serverDeviceID)
			merged := resolution.Merged
			merged.UpdatedAt = now
			if err := s.store.PutComment(ctx, merged); err != nil {
				return fmt.Errorf("merge comment %s: %w", merged.ID, err)
			}
			state.recordClock(merged.VectorClock)

			if len(resolution.ManualFields) > 0 {
				serverPayload, err := json.Marshal(server)
				if err != nil {
					return fmt.Errorf("snapshot server comment %s: %w", server.ID, err)
				}
				record := &types.ConflictRecord{
					EntityType:     types.EntityComment,
					EntityID:       pushed.ID,
					LocalVersion:   change.Data,
					ServerVersion:  serverPayload,
					LocalClock:     vclock.Clone(pushed.VectorClock),
					ServerClock:    vclock.Clone(server.VectorClock),
					ConflictReason: "content: " + strings.Join(resolution.ManualFields, ", "),
					CreatedAt:      now,
				}
				if err := s.store.CreateConflict(ctx, record); err != nil {
					return fmt.Errorf("record comment conflict %s: %w", pushed.ID, err)
				}
				state.conflicts = append(state.conflicts, wire.Conflict{
					EntityType:        string(types.EntityComment),
					EntityID:          pushed.ID,
					ConflictReason:    record.ConflictReason,
					ServerVersion:     serverPayload,
					ServerVectorClock: vclock.Clone(server.VectorClock),
				})
			} else {
				state.processed++
			}
			return nil
		}

	case types.OpDelete:
		if !exists {
			state.processed++
			return nil
		}
		if server.IsDeleted() {
			state.orphaned = append(state.orphaned, wire.OrphanRef{EntityType: string(types.EntityComment), EntityID: pushed.ID})
			return nil
		}
		clock := vclock.Merge(pushed.VectorClock, server.VectorClock)
		if _, err := s.store.SoftDeleteComment(ctx, pushed.ID, server.OrganizationID, c.claims.UserID, c.device.ID, clock, now); err != nil {
			return fmt.Errorf("delete comment %s: %w", pushed.ID, err)
		}
		state.recordClock(clock)
		state.processed++
		return nil

	default:
		return &invalidChangeError{entityID: change.ID, reason: fmt.Sprintf("unknown operation %q", change.Operation)}
	}
}

func (s *Server) recordConflict(ctx context.Context, entityType types.EntityType, entityID string, localPayload json.RawMessage, server *types.Task, localClock vclock.Clock, resolution *resolver.TaskResolution, state *pushState) error {
	serverPayload, err := json.Marshal(server)
	if err != nil {
		return fmt.Errorf("snapshot server task %s: %w", server.ID, err)
	}
	record := &types.ConflictRecord{
		EntityType:     entityType,
		EntityID:       entityID,
		LocalVersion:   localPayload,
		ServerVersion:  serverPayload,
		LocalClock:     vclock.Clone(localClock),
		ServerClock:    vclock.Clone(server.VectorClock),
		ConflictReason: strings.Join(resolution.ConflictNotes, "; "),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateConflict(ctx, record); err != nil {
		return fmt.Errorf("record conflict %s: %w", entityID, err)
	}
	state.conflicts = append(state.conflicts, wire.Conflict{
		EntityType:        string(entityType),
		EntityID:          entityID,
		ConflictReason:    record.ConflictReason,
		ServerVersion:     serverPayload,
		ServerVectorClock: vclock.Clone(server.VectorClock),
	})
	return nil
}

func validateWireTask(t *types.Task) error {
	if t.Title == "" || len(t.Title) > types.MaxTitleLength {
		return &invalidChangeError{entityID: t.ID, reason: "title missing or too long"}
	}
	if t.Description != nil && len(*t.Description) > types.MaxDescriptionLength {
		return &invalidChangeError{entityID: t.ID, reason: "description too long"}
	}
	if types.StatusRank(t.Status) < 0 {
		return &invalidChangeError{entityID: t.ID, reason: fmt.Sprintf("unknown status %q", t.Status)}
	}
	if types.PriorityRank(t.Priority) < 0 {
		return &invalidChangeError{entityID: t.ID, reason: fmt.Sprintf("unknown priority %q", t.Priority)}
	}
	if len(t.Tags) > types.MaxTagCount {
		return &invalidChangeError{entityID: t.ID, reason: "too many tags"}
	}
	return nil
}

// maxVersion bumps the decorative version past both sides. Never
// consulted for correctness.
func maxVersion(a, b int64) int64 {
	if a > b {
		return a + 1
	}
	return b + 1
}
