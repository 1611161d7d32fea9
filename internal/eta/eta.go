package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-tracker/internal/models"
)

// Client estimates driving time between two points.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a small in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// Coords are rounded to ~10m so a driver creeping along shares cache entries.
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lng)
}

// Get returns the cached value and true if present and not expired.
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

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Len reports the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// DefaultSpeedMps is the assumed city driving speed (~28.8 km/h).
const DefaultSpeedMps = 8.0

// EstimateSeconds is the straight-line fallback: distance / speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return HaversineMeters(from, to) / speedMps
}

// HaversineMeters returns the great-circle distance between a and b.
func HaversineMeters(a, b models.Coord) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return R * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Estimator resolves an ETA through a routing Client, memoised in a Cache,
// and falls back to the straight-line estimate when routing fails.
type Estimator struct {
	Client   Client // optional
	Cache    *Cache // optional
	SpeedMps float64
}

// Seconds always returns a usable estimate; routed reports whether it came
// from the routing engine (or its cache).
func (e *Estimator) Seconds(ctx context.Context, from, to models.Coord) (secs int, routed bool) {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return int(math.Ceil(v)), true
		}
	}
	if e.Client != nil {
		v, err := e.Client.EstimateSeconds(ctx, from, to)
		if err == nil && v >= 0 {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return int(math.Ceil(v)), true
		}
	}
	return int(math.Ceil(EstimateSeconds(from, to, e.SpeedMps))), false
}
