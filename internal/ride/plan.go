package ride

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/example/ride-session/internal/fare"
	"github.com/example/ride-session/internal/geo"
	"github.com/example/ride-session/internal/models"
)

// samePlaceKm is how close a destination may sit to the pickup before the
// plan is rejected as going nowhere.
const samePlaceKm = 0.01

var ErrInvalidPlan = errors.New("invalid trip plan")

// TripPlan is what the rider composes before confirming.
type TripPlan struct {
	Pickup        models.Stop          `json:"pickup"`
	Stops         []models.Stop        `json:"stops" validate:"min=1,dive"`
	Tier          models.TierID        `json:"vehicle_tier" validate:"omitempty,oneof=economy premium moto"`
	RideType      models.RideType      `json:"ride_type" validate:"omitempty,oneof=ride delivery"`
	PaymentMethod models.PaymentMethod `json:"payment_method" validate:"omitempty,oneof=cash wave"`
}

func (p TripPlan) rideType() models.RideType {
	if p.RideType == "" {
		return models.RideTypeRide
	}
	return p.RideType
}

func (p TripPlan) coords() []models.Coordinate {
	out := make([]models.Coordinate, len(p.Stops))
	for i, s := range p.Stops {
		out[i] = s.Loc
	}
	return out
}

var validate = validator.New()

// check rejects a plan before any I/O and resolves its tier.
func (p TripPlan) check() (models.Tier, error) {
	if err := validate.Struct(p); err != nil {
		return models.Tier{}, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	final := p.Stops[len(p.Stops)-1]
	if geo.DistanceKm(p.Pickup.Loc, final.Loc) < samePlaceKm {
		return models.Tier{}, fmt.Errorf("%w: destination equals pickup", ErrInvalidPlan)
	}
	tier, err := models.TierFor(p.rideType(), p.Tier)
	if err != nil {
		return models.Tier{}, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return tier, nil
}

// PlanQuote prices a plan on every tier open to its ride type.
type PlanQuote struct {
	DistanceKm float64          `json:"distance_km"`
	Credit     int64            `json:"available_credit"`
	Tiers      []fare.TierQuote `json:"tiers"`
}

// Quote routes the plan and prices it against the rider's current credit.
// It does not touch session state.
func (s *Session) Quote(ctx context.Context, plan TripPlan) (PlanQuote, error) {
	if _, err := plan.check(); err != nil {
		return PlanQuote{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()
	dist, credit, err := s.routeAndCredit(ctx, plan)
	if err != nil {
		return PlanQuote{}, err
	}
	return PlanQuote{DistanceKm: dist, Credit: credit, Tiers: s.deps.Fares.QuoteAll(dist, plan.rideType(), credit)}, nil
}

func (s *Session) routeAndCredit(ctx context.Context, plan TripPlan) (float64, int64, error) {
	dist, err := s.deps.Router.RouteDistanceKm(ctx, plan.Pickup.Loc, plan.coords())
	if err != nil {
		return 0, 0, fmt.Errorf("route: %w", err)
	}
	credit, err := s.deps.Credit.Available(ctx, s.customerID)
	if err != nil {
		return 0, 0, fmt.Errorf("credit lookup: %w", err)
	}
	return dist, credit, nil
}
