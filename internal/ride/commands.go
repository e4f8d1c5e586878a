package ride

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/ride-session/internal/ingest"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
	"github.com/example/ride-session/internal/settlement"
)

// Confirm creates the ride and starts searching. Routing, credit lookup,
// insert and subscribe all run before the session leaves idle; any failure
// leaves it idle.
func (s *Session) Confirm(ctx context.Context, plan TripPlan) (models.RideRequest, error) {
	tier, err := plan.check()
	if err != nil {
		return models.RideRequest{}, err
	}
	if err := s.reserve(ctx, models.StatusIdle); err != nil {
		return models.RideRequest{}, err
	}

	ioCtx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()
	ride, sub, err := s.create(ioCtx, plan, tier)
	if err != nil {
		s.release(err)
		s.logger.Warn("confirm_failed", "error", err)
		return models.RideRequest{}, err
	}

	committed := false
	err = s.do(ctx, func() {
		s.busy = false
		if s.status != models.StatusIdle {
			return
		}
		r := ride
		s.ride = &r
		s.status = models.StatusSearching
		s.rideSub = sub
		s.lastErr = ""
		s.startSearch()
		committed = true
	})
	if err != nil || !committed {
		_ = sub.Close()
		ride.Status = models.StatusCancelled
		s.persist(context.WithoutCancel(ioCtx), &ride)
		if err == nil {
			err = ErrInvalidTransition
		}
		return models.RideRequest{}, err
	}
	observability.RidesConfirmed.Inc()
	s.logger.Info("ride_confirmed", "ride_id", ride.ID, "tier", ride.Tier, "price", ride.Price(), "distance_km", ride.DistanceKm)
	return ride, nil
}

func (s *Session) create(ctx context.Context, plan TripPlan, tier models.Tier) (models.RideRequest, ingest.Subscription, error) {
	dist, credit, err := s.routeAndCredit(ctx, plan)
	if err != nil {
		return models.RideRequest{}, nil, err
	}
	rt := plan.rideType()
	pm := plan.PaymentMethod
	if pm == "" {
		pm = models.PaymentCash
	}
	now := s.deps.Now()
	ride := models.RideRequest{
		ID:            uuid.NewString(),
		CustomerID:    s.customerID,
		Pickup:        plan.Pickup,
		Dropoffs:      append([]models.Stop(nil), plan.Stops...),
		Tier:          tier.ID,
		RideType:      rt,
		PaymentMethod: pm,
		DistanceKm:    dist,
		Quote:         s.deps.Fares.QuoteTier(dist, rt, tier, credit),
		Status:        models.StatusSearching,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deps.Store.InsertRide(ctx, &ride); err != nil {
		return models.RideRequest{}, nil, fmt.Errorf("insert ride: %w", err)
	}
	sub, err := s.deps.Events.SubscribeRide(ctx, ride.ID)
	if err != nil {
		ride.Status = models.StatusCancelled
		s.persist(context.WithoutCancel(ctx), &ride)
		return models.RideRequest{}, nil, fmt.Errorf("subscribe ride events: %w", err)
	}
	return ride, sub, nil
}

// reserve marks the session busy for an I/O step that must start in want.
func (s *Session) reserve(ctx context.Context, want models.RideStatus) error {
	var err error
	if derr := s.do(ctx, func() {
		switch {
		case s.status != want:
			err = ErrInvalidTransition
		case s.busy:
			err = ErrBusy
		default:
			s.busy = true
		}
	}); derr != nil {
		return derr
	}
	return err
}

func (s *Session) release(cause error) {
	_ = s.do(context.Background(), func() {
		s.busy = false
		if cause != nil {
			s.lastErr = cause.Error()
		}
	})
}

// Cancel abandons the current ride. Once a driver is assigned the rider must
// have confirmed the cancellation.
func (s *Session) Cancel(ctx context.Context, confirmed bool) error {
	return s.cancel(ctx, func() error {
		switch s.status {
		case models.StatusSearching:
			return nil
		case models.StatusAccepted, models.StatusArrived:
			if !confirmed {
				return ErrConfirmationRequired
			}
			return nil
		}
		return ErrInvalidTransition
	}, "rider")
}

// DeclineExpand cancels a search that has reached its radius ceiling.
func (s *Session) DeclineExpand(ctx context.Context) error {
	return s.cancel(ctx, func() error {
		if s.status != models.StatusSearching || s.search == nil || !s.search.Exhausted {
			return ErrInvalidTransition
		}
		return nil
	}, "declined_expand")
}

func (s *Session) cancel(ctx context.Context, allowed func() error, reason string) error {
	var (
		r   models.RideRequest
		err error
	)
	if derr := s.do(ctx, func() {
		if err = allowed(); err != nil {
			return
		}
		r = s.finish(models.StatusCancelled)
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	observability.RidesCancelled.WithLabelValues(reason).Inc()
	s.logger.Info("ride_cancelled", "ride_id", r.ID, "reason", reason)
	ioCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.IOTimeout)
	defer cancel()
	s.ordered(ioCtx, func(c context.Context) {
		s.persist(c, &r)
		s.record(c, r, 0)
	})
	return nil
}

// ExpandSearch raises the radius ceiling after exhaustion and resumes
// ticking from the current radius.
func (s *Session) ExpandSearch(ctx context.Context) error {
	var err error
	if derr := s.do(ctx, func() {
		if s.status != models.StatusSearching || s.search == nil || !s.search.Exhausted {
			err = ErrInvalidTransition
			return
		}
		s.search.Expand(s.cfg.ExpandIncrementKm)
		s.stopTicker()
		s.ticker = s.deps.NewTicker(s.cfg.TickInterval)
		s.logger.Info("search_expanded", "ride_id", s.ride.ID, "max_radius_km", s.search.MaxRadiusKm)
	}); derr != nil {
		return derr
	}
	return err
}

func (s *Session) StartTrip(ctx context.Context) error {
	return s.advance(ctx, models.StatusArrived, models.StatusInProgress, models.StatusInProgress)
}

// CompleteRide ends the trip; the request is persisted as completed while
// the session waits for the rider's review.
func (s *Session) CompleteRide(ctx context.Context) error {
	return s.advance(ctx, models.StatusInProgress, models.StatusReview, models.StatusCompleted)
}

func (s *Session) advance(ctx context.Context, from, to, persisted models.RideStatus) error {
	var (
		r   models.RideRequest
		err error
	)
	if derr := s.do(ctx, func() {
		if s.status != from {
			err = ErrInvalidTransition
			return
		}
		s.status = to
		s.ride.Status = persisted
		r = *s.ride
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	s.logger.Info("ride_status_changed", "ride_id", r.ID, "from", from, "to", to)
	ioCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.IOTimeout)
	defer cancel()
	s.ordered(ioCtx, func(c context.Context) { s.persist(c, &r) })
	return nil
}

// SubmitReview settles the finished ride. On failure the session stays in
// review with the error recorded, and a retry skips the steps that already
// went through.
func (s *Session) SubmitReview(ctx context.Context, rating int, comment string) error {
	var (
		sub settlement.Submission
		err error
	)
	if derr := s.do(ctx, func() {
		switch {
		case s.status != models.StatusReview:
			err = ErrInvalidTransition
			return
		case s.busy:
			err = ErrBusy
			return
		}
		s.busy = true
		sub = settlement.Submission{
			Review: models.Review{
				RideID:     s.ride.ID,
				ReviewerID: s.customerID,
				TargetID:   s.ride.DriverID,
				Rating:     rating,
				Comment:    comment,
				RoleTarget: settlement.RoleDriver,
			},
			ConsumedCredit: s.ride.Quote.CreditUsed,
			QuotedCredit:   s.ride.Quote.CreditUsed,
			ReviewSaved:    s.progress.ReviewSaved,
			CreditSettled:  s.progress.CreditSettled,
		}
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}

	ioCtx, cancel := context.WithTimeout(ctx, s.cfg.IOTimeout)
	defer cancel()
	progress, serr := s.deps.Settler.Submit(ioCtx, sub)

	var r models.RideRequest
	if derr := s.do(context.WithoutCancel(ctx), func() {
		s.busy = false
		s.progress = progress
		if serr != nil {
			s.lastErr = serr.Error()
			return
		}
		r = s.finish(models.StatusCompleted)
	}); derr != nil {
		return derr
	}
	if serr != nil {
		return serr
	}
	observability.RidesCompleted.Inc()
	s.logger.Info("ride_settled", "ride_id", r.ID, "rating", rating)
	recCtx, recCancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.IOTimeout)
	defer recCancel()
	s.ordered(recCtx, func(c context.Context) { s.record(c, r, rating) })
	return nil
}
