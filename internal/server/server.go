// Package server implements the server side of the sync protocol: the
// pull and push endpoints, the conflict-resolution endpoint, device
// registration, per-user rate limiting, and the tombstone-expiry sweep.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/replicore/core/internal/authtoken"
	"github.com/replicore/core/internal/serverstore"
	"github.com/replicore/core/internal/telemetry"
	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/wire"
)

// DeviceHeader carries the caller's server-assigned device identity; it
// must match a device record owned by the authenticated user.
const DeviceHeader = "X-Device-ID"

// maxRequestBytes caps push bodies.
const maxRequestBytes = 10 * 1024 * 1024

// Per-user request budgets.
const (
	pullPerMinute    = 120
	pushPerMinute    = 60
	resolvePerMinute = 30
)

// Options tune a Server beyond its required collaborators.
type Options struct {
	// ServerDeviceID is the identity the server increments in merged
	// vector clocks. Defaults to "server".
	ServerDeviceID string
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
}

// Server handles the sync API against one authoritative Backend.
type Server struct {
	store          Backend
	verifier       *authtoken.Verifier
	serverDeviceID string
	clocks         *orgClockCache
	pullLimits     *userLimiter
	pushLimits     *userLimiter
	resolveLimits  *userLimiter
	log            *slog.Logger
	metrics        *telemetry.Metrics
}

// New builds a Server over store, authenticating with verifier.
func New(store Backend, verifier *authtoken.Verifier, opts Options) (*Server, error) {
	if opts.ServerDeviceID == "" {
		opts.ServerDeviceID = "server"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	clocks, err := newOrgClockCache(store)
	if err != nil {
		return nil, err
	}
	return &Server{
		store:          store,
		verifier:       verifier,
		serverDeviceID: opts.ServerDeviceID,
		clocks:         clocks,
		pullLimits:     newUserLimiter(pullPerMinute),
		pushLimits:     newUserLimiter(pushPerMinute),
		resolveLimits:  newUserLimiter(resolvePerMinute),
		log:            opts.Logger,
		metrics:        opts.Metrics,
	}, nil
}

// Routes returns the HTTP handler for the sync API.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/sync/register/", s.handleRegister)
	mux.HandleFunc("/api/sync/pull/", s.withAuth(s.handlePull))
	mux.HandleFunc("/api/sync/push/", s.withAuth(s.handlePush))
	mux.HandleFunc("/api/sync/conflicts/", s.withAuth(s.handleConflicts))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, wire.CodeInvalidRequest, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// caller is the authenticated context a handler runs under.
type caller struct {
	claims *authtoken.Claims
	device *types.DeviceRecord
}

type authedHandler func(w http.ResponseWriter, r *http.Request, c *caller)

// withAuth enforces Bearer-token validity and the X-Device-ID ownership
// check before the handler runs.
func (s *Server) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			s.writeError(w, http.StatusUnauthorized, wire.CodeUnauthorized, "missing Authorization header")
			return
		}
		if !strings.HasPrefix(header, "Bearer ") {
			s.writeError(w, http.StatusUnauthorized, wire.CodeUnauthorized, "invalid Authorization header format")
			return
		}

		claims, err := s.verifier.Verify(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			switch {
			case errors.Is(err, authtoken.ErrRevoked):
				s.writeError(w, http.StatusForbidden, wire.CodeForbidden, "token revoked")
			case errors.Is(err, authtoken.ErrExpired):
				s.writeError(w, http.StatusUnauthorized, wire.CodeUnauthorized, "token expired")
			default:
				s.writeError(w, http.StatusUnauthorized, wire.CodeUnauthorized, "invalid token")
			}
			return
		}

		deviceID := r.Header.Get(DeviceHeader)
		if deviceID == "" {
			s.writeError(w, http.StatusBadRequest, wire.CodeInvalidRequest, "missing "+DeviceHeader+" header")
			return
		}
		device, err := s.store.GetDevice(r.Context(), deviceID)
		if err != nil {
			if errors.Is(err, serverstore.ErrNotFound) {
				s.writeError(w, http.StatusForbidden, wire.CodeForbidden, "unknown device")
				return
			}
			s.internalError(w, "load device", err)
			return
		}
		if device.OwningUserID != claims.UserID || !device.IsActive {
			s.writeError(w, http.StatusForbidden, wire.CodeForbidden, "device not owned by caller")
			return
		}

		next(w, r, &caller{claims: claims, device: device})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, wire.ErrorResponse{Error: message, Code: code})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, "error", err)
	s.writeError(w, http.StatusInternalServerError, wire.CodeInternal, "internal error")
}

func (s *Server) rateLimited(w http.ResponseWriter, limiter *userLimiter, userID string) bool {
	if limiter.allow(userID) {
		return false
	}
	w.Header().Set("Retry-After", "60")
	s.writeError(w, http.StatusTooManyRequests, wire.CodeRateLimited, "rate limit exceeded")
	return true
}

func (s *Server) appendSyncLog(r *http.Request, c *caller, syncType types.SyncType, pushed, pulled, detected, resolved int, started time.Time, status, errMsg string) {
	entry := &types.SyncLogEntry{
		ID:                types.NewID(),
		DeviceID:          c.device.ID,
		UserID:            c.claims.UserID,
		Type:              syncType,
		CountPushed:       pushed,
		CountPulled:       pulled,
		ConflictsDetected: detected,
		ConflictsResolved: resolved,
		Duration:          time.Since(started),
		Status:            status,
		Error:             errMsg,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.AppendSyncLog(r.Context(), entry); err != nil {
		s.log.Warn("append sync log", "error", err, "device", c.device.ID)
	}
}
