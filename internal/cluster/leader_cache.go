package cluster

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// HolderReader reads the holder record of a lease.
type HolderReader interface {
	Holder(ctx context.Context, key string) (string, error)
}

// LeaderCache answers "who leads" for followers. Lookups are cached for a
// short TTL and concurrent misses share a single store round trip.
type LeaderCache struct {
	holders HolderReader
	key     string
	ttl     time.Duration
	now     func() time.Time
	group   singleflight.Group

	mu        sync.Mutex
	cached    LeaderInfo
	found     bool
	expiresAt time.Time
}

const minLeaderCacheTTL = 200 * time.Millisecond

// NewLeaderCache creates a cache over the lease at key. ttl defaults to one
// second and is never below 200ms.
func NewLeaderCache(holders HolderReader, key string, ttl time.Duration) *LeaderCache {
	if ttl <= 0 {
		ttl = time.Second
	}
	if ttl < minLeaderCacheTTL {
		ttl = minLeaderCacheTTL
	}
	return &LeaderCache{holders: holders, key: key, ttl: ttl, now: time.Now}
}

// Leader returns the current leader. found is false when nobody holds the
// lease or the store could not be read; failed reads are cached too so a
// store outage does not turn into a lookup storm.
func (lc *LeaderCache) Leader(ctx context.Context) (LeaderInfo, bool) {
	lc.mu.Lock()
	if lc.now().Before(lc.expiresAt) {
		info, found := lc.cached, lc.found
		lc.mu.Unlock()
		return info, found
	}
	lc.mu.Unlock()

	v, _, _ := lc.group.Do(lc.key, func() (any, error) {
		lc.mu.Lock()
		if lc.now().Before(lc.expiresAt) {
			hit := lookup{info: lc.cached, found: lc.found}
			lc.mu.Unlock()
			return hit, nil
		}
		lc.mu.Unlock()

		raw, err := lc.holders.Holder(context.WithoutCancel(ctx), lc.key)
		info, found := LeaderInfo{}, false
		if err == nil {
			info, found = decodeLeaderInfo(raw)
		}
		lc.mu.Lock()
		lc.cached, lc.found = info, found
		lc.expiresAt = lc.now().Add(lc.ttl)
		lc.mu.Unlock()
		return lookup{info: info, found: found}, nil
	})
	res := v.(lookup)
	return res.info, res.found
}

// Invalidate drops the cached entry.
func (lc *LeaderCache) Invalidate() {
	lc.mu.Lock()
	lc.expiresAt = time.Time{}
	lc.mu.Unlock()
}

type lookup struct {
	info  LeaderInfo
	found bool
}
