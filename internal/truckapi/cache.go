package truckapi

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sweeney/truck-notifier/internal/logic"
)

// DefaultCacheTTL is how long a fetched snapshot is served from cache.
const DefaultCacheTTL = 60 * time.Second

// Cache stores fetched route snapshots by query key. Implementations must be
// safe for concurrent use. A failed lookup is reported as a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]logic.Route, bool)
	Set(ctx context.Context, key string, routes []logic.Route)
}

// CacheKey groups queries whose coordinates agree to 4 decimal places
// (roughly 11 m), so jittered or concurrent callers share one fetch.
func CacheKey(q Query) string {
	return fmt.Sprintf("%.4f:%.4f:%d:%d", round4(q.Lat), round4(q.Lng), q.Time, q.Week)
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

type cacheEntry struct {
	routes   []logic.Route
	cachedAt time.Time
}

// MemoryCache is an in-process TTL cache. Entries expire lazily on read;
// there is no background sweep. Construct one per process and share it
// between every Client.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewMemoryCache creates a cache with the given TTL (DefaultCacheTTL if <= 0).
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached routes if present and not older than the TTL.
func (c *MemoryCache) Get(_ context.Context, key string) ([]logic.Route, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.cachedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return cloneRoutes(e.routes), true
}

// Set stores routes under key, stamped with the current time.
func (c *MemoryCache) Set(_ context.Context, key string, routes []logic.Route) {
	e := cacheEntry{routes: cloneRoutes(routes), cachedAt: c.now()}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet read.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func cloneRoutes(routes []logic.Route) []logic.Route {
	if routes == nil {
		return nil
	}
	out := make([]logic.Route, len(routes))
	for i, r := range routes {
		out[i] = r.Clone()
	}
	return out
}
