package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/wire"
)

const (
	defaultPullLimit = 100
	maxPullLimit     = 500
)

// handlePull serves GET /api/sync/pull/: tasks, comments and tombstones
// changed since the caller's watermark, excluding the caller's
// own writes, plus the org clock and the server timestamp the caller must
// use as its next watermark.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request, c *caller) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, wire.CodeInvalidRequest, "method not allowed")
		return
	}
	if s.rateLimited(w, s.pullLimits, c.claims.UserID) {
		return
	}
	started := time.Now()

	sinceMillis, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil || sinceMillis < 0 {
		s.writeError(w, http.StatusBadRequest, wire.CodeInvalidRequest, "invalid since parameter")
		return
	}
	limit := defaultPullLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, wire.CodeInvalidRequest, "invalid limit parameter")
			return
		}
		limit = parsed
		if limit > maxPullLimit {
			limit = maxPullLimit
		}
	}

	ctx := r.Context()
	watermark := wire.FromMillis(sinceMillis)
	orgID := c.claims.OrgID
	deviceID := c.device.ID

	// The returned watermark is snapshotted before the delta queries run
	// and bounds them from above. A push committing while the queries are
	// in flight gets an updated_at after this instant, so it stays above
	// the watermark and surfaces on the caller's next pull; stamping the
	// watermark after the queries would let such a write slip permanently
	// below it.
	snapshot := time.Now().UTC()

	tasks, err := s.store.DeltaTasksSince(ctx, orgID, watermark, snapshot, deviceID, limit)
	if err != nil {
		s.internalError(w, "delta tasks", err)
		return
	}
	comments, err := s.store.DeltaCommentsSince(ctx, orgID, watermark, snapshot, deviceID, limit)
	if err != nil {
		s.internalError(w, "delta comments", err)
		return
	}
	tombstones, err := s.store.TombstonesSince(ctx, orgID, watermark, snapshot, deviceID, limit)
	if err != nil {
		s.internalError(w, "delta tombstones", err)
		return
	}
	orgClock, err := s.clocks.Get(ctx, orgID)
	if err != nil {
		s.internalError(w, "org clock", err)
		return
	}

	wireTombstones := make([]wire.Tombstone, 0, len(tombstones))
	for _, tomb := range tombstones {
		wireTombstones = append(wireTombstones, wire.FromTombstone(tomb))
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}
	if comments == nil {
		comments = []*types.Comment{}
	}

	resp := &wire.PullResponse{
		Tasks:             tasks,
		Comments:          comments,
		Tombstones:        wireTombstones,
		ServerVectorClock: orgClock,
		HasMore:           len(tasks) == limit || len(comments) == limit || len(tombstones) == limit,
		// The next watermark is server-authoritative so client clock skew
		// can never create gaps, and it is the pre-query snapshot so no
		// concurrent write can land below it unseen.
		Timestamp: wire.Millis(snapshot),
	}

	pulled := len(tasks) + len(comments) + len(tombstones)
	s.metrics.RecordPull(ctx, pulled)
	s.appendSyncLog(r, c, types.SyncTypePull, 0, pulled, 0, 0, started, "ok", "")
	s.log.Debug("pull served", "device", deviceID, "org", orgID,
		"tasks", len(tasks), "comments", len(comments), "tombstones", len(tombstones),
		"has_more", resp.HasMore)

	s.writeJSON(w, http.StatusOK, resp)
}
