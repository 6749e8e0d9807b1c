package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/replicore/core/internal/authtoken"
	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/wire"
)

// registerRequest is the body for POST /api/sync/register/: the device's
// client-chosen fingerprint and a friendly name. The response carries the
// server-assigned device id the client uses in X-Device-ID and in its
// vector clock from then on.
type registerRequest struct {
	Fingerprint  string `json:"fingerprint"`
	FriendlyName string `json:"friendlyName"`
}

type registerResponse struct {
	DeviceID     string `json:"deviceId"`
	Fingerprint  string `json:"fingerprint"`
	FriendlyName string `json:"friendlyName"`
}

// handleRegister provisions (or re-activates) the device record for the
// authenticated user's fingerprint. Unlike the sync endpoints it requires
// no X-Device-ID: the whole point is that the caller does not have one
// yet.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, wire.CodeInvalidRequest, "method not allowed")
		return
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		s.writeError(w, http.StatusUnauthorized, wire.CodeUnauthorized, "missing bearer token")
		return
	}
	claims, err := s.verifier.Verify(r.Context(), strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		if errors.Is(err, authtoken.ErrRevoked) {
			s.writeError(w, http.StatusForbidden, wire.CodeForbidden, "token revoked")
			return
		}
		s.writeError(w, http.StatusUnauthorized, wire.CodeUnauthorized, "invalid token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, wire.CodeInvalidRequest, "failed to read request body")
		return
	}
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Fingerprint == "" {
		s.writeError(w, http.StatusBadRequest, wire.CodeInvalidRequest, "fingerprint is required")
		return
	}

	registrar, ok := s.store.(DeviceRegistrar)
	if !ok {
		s.writeError(w, http.StatusNotFound, wire.CodeNotFound, "registration not supported")
		return
	}
	device, err := registrar.RegisterDevice(r.Context(), claims.UserID, req.Fingerprint, req.FriendlyName)
	if err != nil {
		s.internalError(w, "register device", err)
		return
	}

	s.log.Info("device registered", "device", device.ID, "user", claims.UserID)
	s.writeJSON(w, http.StatusOK, registerResponse{
		DeviceID:     device.ID,
		Fingerprint:  device.Fingerprint,
		FriendlyName: device.FriendlyName,
	})
}

// DeviceRegistrar is the optional Backend extension for first-login device
// provisioning; *serverstore.Store implements it.
type DeviceRegistrar interface {
	RegisterDevice(ctx context.Context, userID, fingerprint, friendlyName string) (*types.DeviceRecord, error)
}
