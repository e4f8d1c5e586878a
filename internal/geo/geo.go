package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-session/internal/models"
)

const earthRadiusKm = 6371.0

// DistanceKm is the haversine great-circle distance between a and b.
func DistanceKm(a, b models.Coordinate) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// Directory is what the matcher and the ride session need from the driver index.
type Directory interface {
	FindWithinRadius(ctx context.Context, center models.Coordinate, radiusKm float64, class models.VehicleClass) ([]models.Driver, error)
	Subscribe(driverID string) *Subscription
}

// Index is the in-memory driver directory, fed by the position feed.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
	subs    map[string]map[*Subscription]struct{}
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{
		drivers: make(map[string]models.Driver),
		subs:    make(map[string]map[*Subscription]struct{}),
		now:     time.Now,
	}
}

// Upsert inserts or replaces d. An offline driver is removed instead. Updates
// older than what is already stored are dropped.
func (g *Index) Upsert(d models.Driver) bool {
	if !d.Online {
		return g.Remove(d.ID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.drivers[d.ID]; ok && !d.Updated.IsZero() && d.Updated.Before(cur.Updated) {
		return false
	}
	if d.Updated.IsZero() {
		d.Updated = g.now()
	}
	g.drivers[d.ID] = d
	g.notifyLocked(d)
	return true
}

func (g *Index) Remove(driverID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return false
	}
	delete(g.drivers, driverID)
	d.Online = false
	g.notifyLocked(d)
	return true
}

// Apply routes a change-feed entry to Upsert or Remove.
func (g *Index) Apply(c models.DriverChange) bool {
	if c.Op == models.OpDelete {
		return g.Remove(c.Driver.ID)
	}
	return g.Upsert(c.Driver)
}

func (g *Index) Get(driverID string) (models.Driver, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	return d, ok
}

func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.drivers)
}

// FindWithinRadius returns online drivers of the given class within radiusKm
// of center, nearest first. An empty class matches every driver.
func (g *Index) FindWithinRadius(ctx context.Context, center models.Coordinate, radiusKm float64, class models.VehicleClass) ([]models.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	// linear scan over the local mirror
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if class != "" && d.VehicleType != class {
			continue
		}
		dist := DistanceKm(center, d.Loc)
		if dist <= radiusKm {
			arr = append(arr, pair{d, dist})
		}
	}
	g.mu.RUnlock()
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	out := make([]models.Driver, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out, nil
}

// Subscription delivers position updates for one driver. Only the latest
// pending update is kept; a removal arrives as a driver with Online=false.
type Subscription struct {
	DriverID string
	ch       chan models.Driver
	idx      *Index
	once     sync.Once
}

func (s *Subscription) Updates() <-chan models.Driver { return s.ch }

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.idx.mu.Lock()
		defer s.idx.mu.Unlock()
		if set, ok := s.idx.subs[s.DriverID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.idx.subs, s.DriverID)
			}
		}
		close(s.ch)
	})
}

// Subscribe registers a feed for driverID. The current position, if known, is
// delivered immediately.
func (g *Index) Subscribe(driverID string) *Subscription {
	s := &Subscription{DriverID: driverID, ch: make(chan models.Driver, 1), idx: g}
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.subs[driverID]
	if !ok {
		set = make(map[*Subscription]struct{})
		g.subs[driverID] = set
	}
	set[s] = struct{}{}
	if d, ok := g.drivers[driverID]; ok {
		s.ch <- d
	}
	return s
}

func (g *Index) notifyLocked(d models.Driver) {
	for s := range g.subs[d.ID] {
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- d:
		default:
		}
	}
}
