package authtoken

import (
	"context"
	"sync"
)

// Source supplies the device's current bearer token and can obtain a fresh
// one when the server answers 401.
type Source interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticSource returns a fixed token, and Refresh hands back that same
// token unchanged, for tests and for
// deployments where the host application handles renewal out of band.
type StaticSource string

func (s StaticSource) Token(ctx context.Context) (string, error)   { return string(s), nil }
func (s StaticSource) Refresh(ctx context.Context) (string, error) { return string(s), nil }

// RefreshableSource caches a token and calls refresh to replace it. Safe
// for concurrent use, though the sync coordinator is the only caller in
// practice.
type RefreshableSource struct {
	mu      sync.Mutex
	current string
	refresh func(ctx context.Context) (string, error)
}

// NewRefreshableSource builds a Source seeded with initial; refresh is
// invoked on demand.
func NewRefreshableSource(initial string, refresh func(ctx context.Context) (string, error)) *RefreshableSource {
	return &RefreshableSource{current: initial, refresh: refresh}
}

func (r *RefreshableSource) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, nil
}

func (r *RefreshableSource) Refresh(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, err := r.refresh(ctx)
	if err != nil {
		return "", err
	}
	r.current = token
	return token, nil
}
