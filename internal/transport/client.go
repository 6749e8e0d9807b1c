// Package transport is the device's HTTP client for the sync endpoints
//. It owns header discipline (Authorization, X-Device-ID), the 30s
// network timeout, and the mapping from HTTP status codes
// to typed errors the coordinator dispatches on.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/replicore/core/internal/authtoken"
	"github.com/replicore/core/internal/wire"
)

// NetworkTimeout bounds every sync round-trip; on expiry the cycle
// terminates and the outbox retains all unacknowledged entries.
const NetworkTimeout = 30 * time.Second

// maxResponseBytes caps how much of a reply the client will buffer.
const maxResponseBytes = 32 * 1024 * 1024

// Client talks to one server on behalf of one device.
type Client struct {
	baseURL    string
	deviceID   string
	tokens     authtoken.Source
	httpClient *http.Client
}

// New builds a Client for the server at baseURL. tokens supplies bearer
// tokens; deviceID is this device's server-assigned identity, sent as
// X-Device-ID on every request.
func New(baseURL, deviceID string, tokens authtoken.Source) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		deviceID: deviceID,
		tokens:   tokens,
		httpClient: &http.Client{
			Timeout: NetworkTimeout,
		},
	}
}

// Pull fetches the delta bundle since the given watermark.
func (c *Client) Pull(ctx context.Context, sinceMillis int64, limit int) (*wire.PullResponse, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(sinceMillis, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp wire.PullResponse
	if err := c.do(ctx, http.MethodGet, "/api/sync/pull/?"+query.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}
	return &resp, nil
}

// Push uploads a batch of changes.
func (c *Client) Push(ctx context.Context, req *wire.PushRequest) (*wire.PushResponse, error) {
	var resp wire.PushResponse
	if err := c.do(ctx, http.MethodPost, "/api/sync/push/", req, &resp); err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}
	return &resp, nil
}

// RegisterResult is the server's answer to a registration call: the
// server-assigned device identity for a fingerprint.
type RegisterResult struct {
	DeviceID     string `json:"deviceId"`
	Fingerprint  string `json:"fingerprint"`
	FriendlyName string `json:"friendlyName"`
}

// Register obtains (or re-activates) this client's device record. It is
// the one call made before a device id exists, so it sends no X-Device-ID
// header; the returned id is what all later calls carry.
func (c *Client) Register(ctx context.Context, fingerprint, friendlyName string) (*RegisterResult, error) {
	body := map[string]string{"fingerprint": fingerprint, "friendlyName": friendlyName}
	var result RegisterResult
	if err := c.do(ctx, http.MethodPost, "/api/sync/register/", body, &result); err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	return &result, nil
}

// ResolveConflict applies a manual resolution to a recorded conflict.
func (c *Client) ResolveConflict(ctx context.Context, conflictID string, req *wire.ResolveRequest) (*wire.ResolveResponse, error) {
	var resp wire.ResolveResponse
	path := "/api/sync/conflicts/" + url.PathEscape(conflictID) + "/resolve/"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, fmt.Errorf("resolve conflict %s: %w", conflictID, err)
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtain token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp, payload)
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func statusError(resp *http.Response, payload []byte) error {
	se := &StatusError{Status: resp.StatusCode}

	var envelope wire.ErrorResponse
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error != "" {
		se.Code = envelope.Code
		se.Message = envelope.Error
	} else {
		se.Message = strings.TrimSpace(string(payload))
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			se.RetryAfter = time.Duration(seconds) * time.Second
		}
	}
	return se
}
