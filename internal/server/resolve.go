package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/replicore/core/internal/serverstore"
	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
	"github.com/replicore/core/internal/wire"
)

// handleConflicts routes POST /api/sync/conflicts/<id>/resolve/.
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request, c *caller) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sync/conflicts/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "resolve" || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, wire.CodeNotFound, "unknown conflicts endpoint")
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, wire.CodeInvalidRequest, "method not allowed")
		return
	}
	if s.rateLimited(w, s.resolveLimits, c.claims.UserID) {
		return
	}
	s.resolveConflict(w, r, c, parts[0])
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request, c *caller, conflictID string) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, wire.CodeInvalidRequest, "failed to read request body")
		return
	}
	var req wire.ResolveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, wire.CodeInvalidRequest, "malformed resolve body")
		return
	}

	record, err := s.store.GetConflict(ctx, conflictID)
	if err != nil {
		if errors.Is(err, serverstore.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, wire.CodeNotFound, "conflict not found")
			return
		}
		s.internalError(w, "load conflict", err)
		return
	}
	if record.IsResolved() {
		s.writeError(w, http.StatusConflict, wire.CodeVersionConflict, "conflict already resolved")
		return
	}

	var chosen json.RawMessage
	var strategy types.ResolutionStrategy
	switch req.Resolution {
	case wire.ResolutionLocal:
		chosen = record.LocalVersion
		strategy = types.ResolutionLocalWins
	case wire.ResolutionServer:
		chosen = record.ServerVersion
		strategy = types.ResolutionServerWins
	case wire.ResolutionCustom:
		if len(req.CustomResolution) == 0 {
			s.writeError(w, http.StatusBadRequest, wire.CodeInvalidRequest, "custom resolution requires a payload")
			return
		}
		chosen = req.CustomResolution
		strategy = types.ResolutionCustomMerge
	default:
		s.writeError(w, http.StatusBadRequest, wire.CodeInvalidRequest, "resolution must be local, server or custom")
		return
	}

	now := time.Now().UTC()
	resolvedClock := vclock.Increment(vclock.Merge(record.LocalClock, record.ServerClock), s.serverDeviceID)

	resolvedPayload, err := s.applyResolution(r, c, record, chosen, resolvedClock, now)
	if err != nil {
		s.internalError(w, "apply resolution", err)
		return
	}

	if err := s.store.ResolveConflict(ctx, conflictID, strategy, resolvedPayload, c.claims.UserID, now); err != nil {
		s.internalError(w, "mark conflict resolved", err)
		return
	}

	orgClock, err := s.clocks.Advance(ctx, c.claims.OrgID, resolvedClock)
	if err != nil {
		s.internalError(w, "advance org clock", err)
		return
	}

	s.metrics.RecordResolution(ctx, string(strategy))
	s.log.Info("conflict resolved", "conflict", conflictID, "entity", record.EntityID,
		"strategy", strategy, "by", c.claims.UserID)

	s.writeJSON(w, http.StatusOK, &wire.ResolveResponse{
		Success:           true,
		ResolvedVersion:   resolvedPayload,
		ServerVectorClock: orgClock,
		Timestamp:         wire.Millis(now),
	})
}

// applyResolution writes the chosen version as an authoritative update:
// version bumped, clocks merged, server slot incremented.
func (s *Server) applyResolution(r *http.Request, c *caller, record *types.ConflictRecord, chosen json.RawMessage, clock vclock.Clock, now time.Time) (json.RawMessage, error) {
	ctx := r.Context()

	switch record.EntityType {
	case types.EntityTask:
		current, err := s.store.GetTask(ctx, record.EntityID)
		if err != nil {
			return nil, fmt.Errorf("load task %s: %w", record.EntityID, err)
		}
		resolved := &types.Task{}
		if err := json.Unmarshal(chosen, resolved); err != nil {
			return nil, fmt.Errorf("decode chosen task: %w", err)
		}
		resolved.ID = record.EntityID
		resolved.OrganizationID = current.OrganizationID
		resolved.VectorClock = clock
		resolved.Version = current.Version + 1
		resolved.LastModifiedBy = c.claims.UserID
		resolved.LastModifiedDevice = s.serverDeviceID
		resolved.CreatedAt = current.CreatedAt
		resolved.UpdatedAt = now
		if err := s.store.PutTask(ctx, resolved); err != nil {
			return nil, fmt.Errorf("store resolved task: %w", err)
		}
		return json.Marshal(resolved)

	case types.EntityComment:
		current, err := s.store.GetComment(ctx, record.EntityID)
		if err != nil {
			return nil, fmt.Errorf("load comment %s: %w", record.EntityID, err)
		}
		resolved := &types.Comment{}
		if err := json.Unmarshal(chosen, resolved); err != nil {
			return nil, fmt.Errorf("decode chosen comment: %w", err)
		}
		resolved.ID = record.EntityID
		resolved.TaskID = current.TaskID
		resolved.OrganizationID = current.OrganizationID
		resolved.VectorClock = clock
		resolved.Version = current.Version + 1
		resolved.LastModifiedBy = c.claims.UserID
		resolved.LastModifiedDevice = s.serverDeviceID
		resolved.CreatedAt = current.CreatedAt
		resolved.UpdatedAt = now
		if err := s.store.PutComment(ctx, resolved); err != nil {
			return nil, fmt.Errorf("store resolved comment: %w", err)
		}
		return json.Marshal(resolved)

	default:
		return nil, fmt.Errorf("unknown conflict entity type %q", record.EntityType)
	}
}
