package eta

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-session/internal/geo"
	"github.com/example/ride-session/internal/models"
)

// DefaultSpeedKmPerMin is 30 km/h, the average city speed used for naive ETAs.
const DefaultSpeedKmPerMin = 0.5

var ErrNoStops = errors.New("route has no stops")

// Seconds converts a distance into a naive ETA at the given average speed.
func Seconds(distanceKm, speedKmPerMin float64) int {
	if speedKmPerMin <= 0 {
		speedKmPerMin = DefaultSpeedKmPerMin
	}
	if distanceKm <= 0 {
		return 0
	}
	return int(math.Round(distanceKm / speedKmPerMin * 60))
}

// EstimateSeconds is Seconds over the haversine distance between two points.
func EstimateSeconds(from, to models.Coordinate, speedKmPerMin float64) int {
	return Seconds(geo.DistanceKm(from, to), speedKmPerMin)
}

// Router is the routing collaborator: total driving distance through stops.
type Router interface {
	RouteDistanceKm(ctx context.Context, origin models.Coordinate, stops []models.Coordinate) (float64, error)
}

// HaversineRouter sums straight-line legs; used when no routing engine is configured.
type HaversineRouter struct{}

func (HaversineRouter) RouteDistanceKm(ctx context.Context, origin models.Coordinate, stops []models.Coordinate) (float64, error) {
	if len(stops) == 0 {
		return 0, ErrNoStops
	}
	total := 0.0
	prev := origin
	for _, s := range stops {
		total += geo.DistanceKm(prev, s)
		prev = s
	}
	return total, nil
}

// Cache is a tiny in-memory cache for route distances keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(origin models.Coordinate, stops []models.Coordinate) string {
	var b strings.Builder
	b.WriteString(fmtCoord(origin))
	for _, s := range stops {
		b.WriteString("->")
		b.WriteString(fmtCoord(s))
	}
	return b.String()
}

func fmtCoord(c models.Coordinate) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(origin models.Coordinate, stops []models.Coordinate) (float64, bool) {
	k := keyFor(origin, stops)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(origin models.Coordinate, stops []models.Coordinate, v float64) {
	k := keyFor(origin, stops)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Cached wraps a Router with a Cache.
type Cached struct {
	Router Router
	Cache  *Cache
}

func (c Cached) RouteDistanceKm(ctx context.Context, origin models.Coordinate, stops []models.Coordinate) (float64, error) {
	if v, ok := c.Cache.Get(origin, stops); ok {
		return v, nil
	}
	v, err := c.Router.RouteDistanceKm(ctx, origin, stops)
	if err != nil {
		return 0, err
	}
	c.Cache.Set(origin, stops, v)
	return v, nil
}
