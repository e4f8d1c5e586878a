package ride

import (
	"context"

	"github.com/example/ride-session/internal/models"
)

type SearchView struct {
	CurrentRadiusKm float64 `json:"current_radius_km"`
	MaxRadiusKm     float64 `json:"max_radius_km"`
	ElapsedTicks    int     `json:"elapsed_ticks"`
	Exhausted       bool    `json:"exhausted"`
}

// Snapshot is a copy of the session state for display.
type Snapshot struct {
	Status         models.RideStatus   `json:"status"`
	Ride           *models.RideRequest `json:"ride,omitempty"`
	DriverID       string              `json:"driver_id,omitempty"`
	ETASeconds     int                 `json:"eta_seconds"`
	DriverPosition *models.Driver      `json:"driver_position,omitempty"`
	Search         *SearchView         `json:"search,omitempty"`
	NearbyDrivers  int                 `json:"nearby_drivers"`
	LastError      string              `json:"last_error,omitempty"`
	Busy           bool                `json:"busy"`
}

func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func() {
		snap = Snapshot{
			Status:        s.status,
			ETASeconds:    s.etaSeconds,
			NearbyDrivers: s.nearby,
			LastError:     s.lastErr,
			Busy:          s.busy,
		}
		if s.ride != nil {
			r := *s.ride
			r.Dropoffs = append([]models.Stop(nil), s.ride.Dropoffs...)
			snap.Ride = &r
			snap.DriverID = r.DriverID
		}
		if s.driverPos != nil {
			d := *s.driverPos
			snap.DriverPosition = &d
		}
		if s.search != nil {
			snap.Search = &SearchView{
				CurrentRadiusKm: s.search.CurrentRadiusKm,
				MaxRadiusKm:     s.search.MaxRadiusKm,
				ElapsedTicks:    s.search.ElapsedTicks,
				Exhausted:       s.search.Exhausted,
			}
		}
	})
	return snap, err
}

// VisibleDrivers is what the rider may see on the map. While a driver is
// assigned only that driver is surfaced; otherwise every online driver
// within radiusKm of center.
func (s *Session) VisibleDrivers(ctx context.Context, center models.Coordinate, radiusKm float64) ([]models.Driver, error) {
	var (
		tracking bool
		assigned *models.Driver
	)
	if err := s.do(ctx, func() {
		tracking = s.status.Tracking()
		if s.driverPos != nil {
			d := *s.driverPos
			assigned = &d
		}
	}); err != nil {
		return nil, err
	}
	if tracking {
		if assigned == nil {
			return []models.Driver{}, nil
		}
		return []models.Driver{*assigned}, nil
	}
	if s.deps.Directory == nil {
		return []models.Driver{}, nil
	}
	return s.deps.Directory.FindWithinRadius(ctx, center, radiusKm, "")
}
