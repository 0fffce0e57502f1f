package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is a routing backend that can price a drive in seconds.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// DefaultCacheEntries bounds a Cache built by NewCache.
const DefaultCacheEntries = 10000

// Cache is a tiny in-memory cache for ETA lookups keyed by coords. It holds
// at most max entries; a full cache drops expired entries first, then the
// oldest one.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	max   int
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, max: DefaultCacheEntries, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	// ~100m buckets so a moving driver still hits the cache
	return fmt.Sprintf("%.3f,%.3f->%.3f,%.3f", a.Lat, a.Lng, b.Lat, b.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.store[k]; !ok && c.max > 0 && len(c.store) >= c.max {
		c.evictLocked(now)
	}
	c.store[k] = cacheEntry{v: v, ts: now}
}

func (c *Cache) evictLocked(now time.Time) {
	var (
		oldest   string
		oldestTS time.Time
	)
	for k, e := range c.store {
		if now.Sub(e.ts) > c.ttl {
			delete(c.store, k)
			continue
		}
		if oldest == "" || e.ts.Before(oldestTS) {
			oldest, oldestTS = k, e.ts
		}
	}
	if len(c.store) >= c.max && oldest != "" {
		delete(c.store, oldest)
	}
}

// Len reports how many entries are held, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// EstimateSeconds is the straight-line ETA: distance / speed_mps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.DistanceKm(from, to) * 1000 / speedMps
}

// Estimator resolves a driver's ETA to pickup: cache first, then the
// routing client, then the straight-line estimate.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		if v, err := e.Client.EstimateSeconds(ctx, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
	}
	return EstimateSeconds(from, to, e.SpeedMps)
}
