package matcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-session/internal/eta"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
)

type Geo interface {
	FindWithinRadius(ctx context.Context, center models.Coordinate, radiusKm float64, class models.VehicleClass) ([]models.Driver, error)
}

type Dispatcher interface {
	Offer(driverID string, offer models.RideOffer) error
}

// Request is the part of a ride the broadcaster needs, copied so no session
// state crosses goroutines.
type Request struct {
	RideID  string
	Pickup  models.Coordinate
	Vehicle models.VehicleClass
	Price   int64
}

type Result struct {
	RadiusKm float64
	Found    int
	Offered  int
	TimedOut bool
}

// Broadcaster sends a ride offer to eligible drivers within the current
// search radius. It only signals; a match comes from a driver accepting.
type Broadcaster struct {
	Geo           Geo
	Dispatch      Dispatcher // optional
	Timeout       time.Duration
	SpeedKmPerMin float64
	Logger        *slog.Logger

	mu      sync.Mutex
	offered map[string]map[string]struct{}
}

// Broadcast queries the directory under a timeout. A timed out or failed
// query counts as zero drivers found.
func (b *Broadcaster) Broadcast(ctx context.Context, req Request, radiusKm float64) Result {
	res := Result{RadiusKm: radiusKm}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cands, err := b.Geo.FindWithinRadius(qctx, req.Pickup, radiusKm, req.Vehicle)
	observability.SearchQueryLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		res.TimedOut = qctx.Err() != nil
		b.log().Warn("search_query_failed", "ride_id", req.RideID, "radius_km", radiusKm, "error", err)
		return res
	}
	res.Found = len(cands)
	if len(cands) == 0 || b.Dispatch == nil {
		return res
	}

	type scored struct {
		d      models.Driver
		etaSec int
		cost   float64
	}
	list := make([]scored, 0, len(cands))
	for _, d := range cands {
		etaSec := eta.EstimateSeconds(d.Loc, req.Pickup, b.SpeedKmPerMin)
		rating := d.Rating
		if rating <= 0 {
			rating = 5
		}
		cost := float64(etaSec) + 30.0*(5.0-rating) // cost = w1*eta + w2*(5 - rating)
		list = append(list, scored{d, etaSec, cost})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].cost < list[j].cost })

	for _, c := range list {
		if !b.markOffered(req.RideID, c.d.ID) {
			continue
		}
		offer := models.RideOffer{RideID: req.RideID, DriverID: c.d.ID, Pickup: req.Pickup, Price: req.Price, ETA: float64(c.etaSec)}
		if err := b.Dispatch.Offer(c.d.ID, offer); err != nil {
			b.log().Debug("offer_not_delivered", "ride_id", req.RideID, "driver_id", c.d.ID, "error", err)
			continue
		}
		res.Offered++
	}
	return res
}

// Forget drops the per-ride offer bookkeeping once the search ends.
func (b *Broadcaster) Forget(rideID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.offered, rideID)
}

func (b *Broadcaster) markOffered(rideID, driverID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offered == nil {
		b.offered = make(map[string]map[string]struct{})
	}
	set, ok := b.offered[rideID]
	if !ok {
		set = make(map[string]struct{})
		b.offered[rideID] = set
	}
	if _, done := set[driverID]; done {
		return false
	}
	set[driverID] = struct{}{}
	return true
}

func (b *Broadcaster) log() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}
