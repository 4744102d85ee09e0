package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vyrodovalexey/avkeypool/internal/observability"
)

// activeSetKey is the cache key holding the active credential id set.
const activeSetKey = "active-set"

// ActiveSet caches the ids of credentials currently eligible for
// selection. Cache failures degrade to a miss so selection can rebuild
// the set from the inventory instead of failing.
type ActiveSet struct {
	cache  Cache
	ttl    time.Duration
	logger observability.Logger
}

// NewActiveSet wraps cache with the active-set encoding and TTL.
func NewActiveSet(c Cache, ttl time.Duration, logger observability.Logger) *ActiveSet {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &ActiveSet{cache: c, ttl: ttl, logger: logger}
}

// Get returns the cached active ids. ok is false on a miss, a decode
// failure, or a degraded cache.
func (a *ActiveSet) Get(ctx context.Context) (ids []string, ok bool) {
	data, err := a.cache.Get(ctx, activeSetKey)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			a.logger.Warn("active set cache read failed",
				observability.Error(err),
			)
		}
		return nil, false
	}

	if err := json.Unmarshal(data, &ids); err != nil {
		a.logger.Warn("active set cache entry corrupt, dropping",
			observability.Error(err),
		)
		_ = a.cache.Delete(ctx, activeSetKey)
		return nil, false
	}

	return ids, true
}

// Put stores the active ids. Best-effort: a write failure only means
// the next read rebuilds.
func (a *ActiveSet) Put(ctx context.Context, ids []string) {
	data, err := json.Marshal(ids)
	if err != nil {
		a.logger.Warn("active set encode failed", observability.Error(err))
		return
	}

	if err := a.cache.Set(ctx, activeSetKey, data, a.ttl); err != nil {
		a.logger.Warn("active set cache write failed",
			observability.Error(err),
		)
	}
}

// Invalidate drops the cached set. Called on every status transition
// and on credential import/delete.
func (a *ActiveSet) Invalidate(ctx context.Context) {
	if err := a.cache.Delete(ctx, activeSetKey); err != nil {
		a.logger.Warn("active set invalidation failed",
			observability.Error(err),
		)
	}
}
