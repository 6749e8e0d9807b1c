package types

import "github.com/google/uuid"

// NewID returns a fresh opaque identifier drawn from a 128-bit random space.
// Collisions are not a practical concern.
func NewID() string {
	return uuid.NewString()
}
