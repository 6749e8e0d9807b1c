package transport

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// StatusError is a non-2xx reply from the server, carrying the HTTP status
// and the error code from the response envelope.
type StatusError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
}

// AsStatus unwraps err into a StatusError if it is one.
func AsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsUnauthorized reports a 401: the token refresh flow should run.
func IsUnauthorized(err error) bool {
	se, ok := AsStatus(err)
	return ok && se.Status == 401
}

// IsForbidden reports a 403: permission revocation, permanently denied.
func IsForbidden(err error) bool {
	se, ok := AsStatus(err)
	return ok && se.Status == 403
}

// IsRateLimited reports a 429.
func IsRateLimited(err error) bool {
	se, ok := AsStatus(err)
	return ok && se.Status == 429
}

// IsInvalidRequest reports a 400: the request envelope itself was
// malformed. Per-entry schema rejections are not 400s; they arrive in a
// 200 push response's invalid list.
func IsInvalidRequest(err error) bool {
	se, ok := AsStatus(err)
	return ok && se.Status == 400
}

// IsTransient reports whether err warrants leaving the outbox untouched
// and retrying next cycle: 5xx, timeouts, connection failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := AsStatus(err); ok {
		return se.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Anything that never produced an HTTP status (DNS failure, refused
	// connection, offline transition mid-call) is transient by definition.
	return true
}
