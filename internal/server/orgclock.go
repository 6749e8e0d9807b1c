package server

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/replicore/core/internal/vclock"
)

const orgClockCacheSize = 1024

// orgClockCache caches the organization-wide server vector clock: the
// pointwise max across every entity clock in the org. The cache is
// warmed lazily from the store's full scan and then advanced
// incrementally as pushes land, so the scan is paid once per org per
// process lifetime.
type orgClockCache struct {
	mu    sync.Mutex
	store Backend
	cache *lru.Cache[string, vclock.Clock]
}

func newOrgClockCache(store Backend) (*orgClockCache, error) {
	cache, err := lru.New[string, vclock.Clock](orgClockCacheSize)
	if err != nil {
		return nil, err
	}
	return &orgClockCache{store: store, cache: cache}, nil
}

// Get returns the org's clock, computing it from the store on a miss.
func (c *orgClockCache) Get(ctx context.Context, orgID string) (vclock.Clock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if clock, ok := c.cache.Get(orgID); ok {
		return vclock.Clone(clock), nil
	}
	clock, err := c.store.OrgClock(ctx, orgID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(orgID, vclock.Clone(clock))
	return clock, nil
}

// Advance merges clock into the org's cached value. Merging never
// regresses a counter, so advancing with any entity clock written
// during a push keeps the cache exact without rescanning.
func (c *orgClockCache) Advance(ctx context.Context, orgID string, clock vclock.Clock) (vclock.Clock, error) {
	current, err := c.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	merged := vclock.Merge(current, clock)
	c.cache.Add(orgID, vclock.Clone(merged))
	return merged, nil
}
