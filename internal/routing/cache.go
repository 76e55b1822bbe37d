package routing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Kinglowther/boda-dispatch/internal/models"
	"github.com/Kinglowther/boda-dispatch/internal/observability"
)

// Cache memoizes route estimates keyed by profile and waypoint set.
// Route lookups are expensive and idempotent for a fixed waypoint set,
// so a short TTL saves a provider round trip per matching candidate.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	est models.RouteEstimate
	ts  time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func cacheKey(profile string, waypoints []models.Coord) string {
	var b strings.Builder
	b.WriteString(profile)
	for _, wp := range waypoints {
		fmt.Fprintf(&b, "|%.6f,%.6f", wp.Lat, wp.Lon)
	}
	return b.String()
}

func (c *Cache) Get(profile string, waypoints []models.Coord) (models.RouteEstimate, bool) {
	k := cacheKey(profile, waypoints)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return models.RouteEstimate{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return models.RouteEstimate{}, false
	}
	return e.est, true
}

func (c *Cache) Set(profile string, waypoints []models.Coord, est models.RouteEstimate) {
	k := cacheKey(profile, waypoints)
	c.mu.Lock()
	c.store[k] = cacheEntry{est: est, ts: time.Now()}
	c.mu.Unlock()
}

// CachedProvider wraps a Provider with the cache. Fallback estimates are
// not cached so a recovered provider is retried on the next lookup.
type CachedProvider struct {
	Inner Provider
	Cache *Cache
}

func (p *CachedProvider) Route(ctx context.Context, profile string, waypoints []models.Coord) (models.RouteEstimate, error) {
	if p.Cache != nil {
		if est, ok := p.Cache.Get(profile, waypoints); ok {
			observability.RouteCacheHitsTotal.Inc()
			return est, nil
		}
	}
	est, err := p.Inner.Route(ctx, profile, waypoints)
	if err == nil && p.Cache != nil && !est.Fallback {
		p.Cache.Set(profile, waypoints, est)
	}
	return est, err
}
