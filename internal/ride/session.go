// Package ride owns the rider's booking lifecycle: it creates the ride,
// runs the expanding search, tracks the assigned driver and settles the
// review. Every Session is a single goroutine; methods send it messages.
package ride

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-session/internal/config"
	"github.com/example/ride-session/internal/dispatch"
	"github.com/example/ride-session/internal/eta"
	"github.com/example/ride-session/internal/fare"
	"github.com/example/ride-session/internal/geo"
	"github.com/example/ride-session/internal/ingest"
	"github.com/example/ride-session/internal/matcher"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
	"github.com/example/ride-session/internal/settlement"
)

var (
	ErrInvalidTransition    = errors.New("action not allowed in current ride status")
	ErrConfirmationRequired = errors.New("cancelling an assigned ride needs confirmation")
	ErrBusy                 = errors.New("another request for this ride is in flight")
	ErrClosed               = errors.New("session closed")
)

type RideStore interface {
	InsertRide(ctx context.Context, r *models.RideRequest) error
	UpdateRide(ctx context.Context, r *models.RideRequest) error
}

type CreditSource interface {
	Available(ctx context.Context, customerID string) (int64, error)
}

type RideEvents interface {
	SubscribeRide(ctx context.Context, rideID string) (ingest.Subscription, error)
}

type ActivityRecorder interface {
	RecordActivity(ctx context.Context, customerID string, a models.Activity) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, req matcher.Request, radiusKm float64) matcher.Result
	Forget(rideID string)
}

type Settler interface {
	Submit(ctx context.Context, sub settlement.Submission) (settlement.Progress, error)
}

// Deps are the collaborators a Session talks to. NewTicker and Now may be
// left nil.
type Deps struct {
	Store     RideStore
	Credit    CreditSource
	Events    RideEvents
	Directory geo.Directory
	Router    eta.Router
	Fares     fare.Calculator
	Broadcast Broadcaster
	Settler   Settler
	Activity  ActivityRecorder
	Notifier  dispatch.Notifier
	NewTicker func(time.Duration) Ticker
	Now       func() time.Time
	Logger    *slog.Logger
}

type broadcastResult struct {
	gen int
	res matcher.Result
}

type Session struct {
	customerID string
	cfg        config.RideConfig
	deps       Deps
	logger     *slog.Logger

	cmds    chan func()
	results chan broadcastResult
	effects chan func(context.Context)
	quit    chan struct{}
	stopped chan struct{}

	lifeMu  sync.Mutex
	started bool
	closed  bool

	// unix nanos since the session went idle with nothing in flight; 0 while active
	idleSince atomic.Int64

	// owned by the loop goroutine
	loopCtx      context.Context
	status       models.RideStatus
	ride         *models.RideRequest
	search       *matcher.Search
	searchGen    int
	searchCtx    context.Context
	searchCancel context.CancelFunc
	ticker       Ticker
	rideSub      ingest.Subscription
	posSub       *geo.Subscription
	driverPos    *models.Driver
	etaSeconds   int
	arrivedFired bool
	nearby       int
	busy         bool
	lastErr      string
	progress     settlement.Progress
}

func NewSession(customerID string, cfg config.RideConfig, deps Deps) *Session {
	if deps.NewTicker == nil {
		deps.NewTicker = NewTicker
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = dispatch.LogNotifier{Logger: deps.Logger}
	}
	s := &Session{
		customerID: customerID,
		cfg:        cfg,
		deps:       deps,
		logger:     deps.Logger.With("customer_id", customerID),
		cmds:       make(chan func()),
		results:    make(chan broadcastResult, 4),
		effects:    make(chan func(context.Context), 32),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		status:     models.StatusIdle,
	}
	s.idleSince.Store(deps.Now().UnixNano())
	return s
}

func (s *Session) CustomerID() string { return s.customerID }

// Start runs the event loop until ctx is done or Close is called. A closed
// session cannot be restarted.
func (s *Session) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.loopCtx = ctx
	go s.run(ctx)
	go s.runEffects()
}

// Close stops the loop and releases the ticker and both subscriptions.
func (s *Session) Close() {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		<-s.stopped
		return
	}
	s.closed = true
	close(s.quit)
	if !s.started {
		close(s.stopped)
	}
	s.lifeMu.Unlock()
	<-s.stopped
}

// IdleSince reports when the session last settled into idle with no request
// in flight. ok is false while a ride or a confirm is active.
func (s *Session) IdleSince() (since time.Time, ok bool) {
	n := s.idleSince.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

func (s *Session) markIdle() {
	if s.status != models.StatusIdle || s.busy {
		s.idleSince.Store(0)
		return
	}
	if s.idleSince.Load() == 0 {
		s.idleSince.Store(s.deps.Now().UnixNano())
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.stopped)
	defer s.teardown()
	for {
		s.markIdle()
		var tickC <-chan time.Time
		if s.ticker != nil {
			tickC = s.ticker.C()
		}
		var rideC <-chan models.RideEvent
		if s.rideSub != nil {
			rideC = s.rideSub.Events()
		}
		var posC <-chan models.Driver
		if s.posSub != nil {
			posC = s.posSub.Updates()
		}
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case fn := <-s.cmds:
			fn()
		case <-tickC:
			s.onTick()
		case ev, ok := <-rideC:
			if !ok {
				s.logger.Warn("ride_feed_lost", "ride_id", s.rideID())
				_ = s.rideSub.Close()
				s.rideSub = nil
				continue
			}
			s.onRideEvent(ev)
		case d, ok := <-posC:
			if !ok {
				s.logger.Warn("position_feed_lost", "ride_id", s.rideID())
				s.posSub = nil
				continue
			}
			s.onPosition(d)
		case r := <-s.results:
			s.onBroadcast(r)
		}
	}
}

func (s *Session) teardown() {
	if s.ride != nil {
		s.logger.Info("session_closed_with_active_ride", "ride_id", s.ride.ID, "status", s.status)
	}
	s.stopSearch()
	s.dropSubscriptions()
}

// runEffects performs notifications and persistence queued by the loop, one
// at a time so their order follows the transitions.
func (s *Session) runEffects() {
	for {
		select {
		case job := <-s.effects:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IOTimeout)
			job(ctx)
			cancel()
		case <-s.stopped:
			return
		}
	}
}

func (s *Session) enqueue(job func(context.Context)) {
	select {
	case s.effects <- job:
	default:
		s.logger.Warn("effect_queue_full")
		observability.NotifyErrors.Inc()
	}
}

// ordered queues job behind the effects already pending and waits for it,
// so a caller's write cannot overtake an earlier transition's write.
func (s *Session) ordered(ctx context.Context, job func(context.Context)) {
	done := make(chan struct{})
	select {
	case s.effects <- func(c context.Context) { job(c); close(done) }:
	case <-s.stopped:
		job(ctx)
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Session) notify(title, message string) {
	customerID := s.customerID
	n := s.deps.Notifier
	s.enqueue(func(ctx context.Context) {
		if err := n.Notify(ctx, customerID, title, message); err != nil {
			observability.NotifyErrors.Inc()
			s.logger.Warn("notify_failed", "title", title, "error", err)
		}
	})
}

func (s *Session) persistLater(r models.RideRequest) {
	s.enqueue(func(ctx context.Context) { s.persist(ctx, &r) })
}

func (s *Session) persist(ctx context.Context, r *models.RideRequest) {
	r.UpdatedAt = s.deps.Now()
	if err := s.deps.Store.UpdateRide(ctx, r); err != nil {
		s.logger.Error("ride_update_failed", "ride_id", r.ID, "status", r.Status, "error", err)
	}
}

func (s *Session) recordLater(r models.RideRequest, rating int) {
	s.enqueue(func(ctx context.Context) { s.record(ctx, r, rating) })
}

func (s *Session) record(ctx context.Context, r models.RideRequest, rating int) {
	if s.deps.Activity == nil {
		return
	}
	label := string(r.Tier)
	if t, err := models.LookupTier(r.Tier); err == nil {
		label = t.Label
	}
	a := models.Activity{
		ID:       r.ID,
		Type:     "ride",
		Title:    r.Pickup.Address,
		Subtitle: label,
		Price:    r.Price(),
		Date:     s.deps.Now(),
		Status:   r.Status,
		Rating:   rating,
	}
	if len(r.Dropoffs) > 0 {
		a.Title = r.Dropoffs[0].Address
	}
	if err := s.deps.Activity.RecordActivity(ctx, s.customerID, a); err != nil {
		s.logger.Warn("activity_record_failed", "ride_id", r.ID, "error", err)
	}
}

// do runs fn on the loop goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
	case <-s.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (s *Session) rideID() string {
	if s.ride == nil {
		return ""
	}
	return s.ride.ID
}

func (s *Session) startSearch() {
	s.searchGen++
	s.searchCtx, s.searchCancel = context.WithCancel(s.loopCtx)
	s.search = matcher.NewSearch(s.ride.ID, matcher.Params{
		StartRadiusKm: s.cfg.StartRadiusKm,
		MaxRadiusKm:   s.cfg.DefaultSearchRadiusKm,
		StepKm:        s.cfg.RadiusStepKm,
	})
	s.nearby = 0
	s.ticker = s.deps.NewTicker(s.cfg.TickInterval)
}

func (s *Session) stopTicker() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

// stopSearch ends the search in the current loop step; broadcasts still in
// flight are cancelled and their results dropped by generation.
func (s *Session) stopSearch() {
	s.stopTicker()
	if s.searchCancel != nil {
		s.searchCancel()
		s.searchCancel = nil
		s.searchCtx = nil
	}
	if s.search != nil && s.deps.Broadcast != nil {
		s.deps.Broadcast.Forget(s.search.RideID)
	}
	s.search = nil
	s.searchGen++
	s.nearby = 0
}

func (s *Session) dropSubscriptions() {
	if s.rideSub != nil {
		_ = s.rideSub.Close()
		s.rideSub = nil
	}
	if s.posSub != nil {
		s.posSub.Close()
		s.posSub = nil
	}
}

// finish leaves the active ride and returns to idle, handing back the ride
// with its terminal status for persistence.
func (s *Session) finish(outcome models.RideStatus) models.RideRequest {
	s.stopSearch()
	s.dropSubscriptions()
	var r models.RideRequest
	if s.ride != nil {
		r = *s.ride
		r.Status = outcome
	}
	s.ride = nil
	s.status = models.StatusIdle
	s.driverPos = nil
	s.etaSeconds = 0
	s.arrivedFired = false
	s.progress = settlement.Progress{}
	s.lastErr = ""
	return r
}

func (s *Session) onTick() {
	if s.status != models.StatusSearching || s.search == nil {
		s.stopTicker()
		return
	}
	observability.SearchTicks.Inc()
	radius, decision := s.search.Tick()
	s.broadcast(radius)
	if decision == matcher.Exhausted {
		s.stopTicker()
		observability.SearchExhausted.Inc()
		s.logger.Info("search_exhausted", "ride_id", s.ride.ID, "radius_km", radius, "ticks", s.search.ElapsedTicks)
		s.notify("No drivers nearby", "Expand the search area or cancel the ride")
	}
}

// broadcast queries radius off the loop; the result comes back tagged with
// the current search generation.
func (s *Session) broadcast(radius float64) {
	if s.deps.Broadcast == nil {
		return
	}
	gen := s.searchGen
	tier, _ := models.LookupTier(s.ride.Tier)
	req := matcher.Request{RideID: s.ride.ID, Pickup: s.ride.Pickup.Loc, Vehicle: tier.Vehicle, Price: s.ride.Price()}
	ctx := s.searchCtx
	go func() {
		res := s.deps.Broadcast.Broadcast(ctx, req, radius)
		select {
		case s.results <- broadcastResult{gen: gen, res: res}:
		case <-s.stopped:
		}
	}()
}

func (s *Session) onBroadcast(r broadcastResult) {
	if r.gen != s.searchGen || s.status != models.StatusSearching {
		observability.StaleEvents.WithLabelValues("broadcast").Inc()
		return
	}
	s.nearby = r.res.Found
	s.logger.Debug("search_tick", "ride_id", s.ride.ID, "radius_km", r.res.RadiusKm, "found", r.res.Found, "offered", r.res.Offered, "timed_out", r.res.TimedOut)
}

func (s *Session) onRideEvent(ev models.RideEvent) {
	if s.ride == nil || ev.RideID != s.ride.ID {
		observability.StaleEvents.WithLabelValues("ride_event").Inc()
		return
	}
	switch ev.Status {
	case models.StatusAccepted:
		if s.status != models.StatusSearching || ev.DriverID == "" {
			observability.StaleEvents.WithLabelValues("acceptance").Inc()
			return
		}
		s.accept(ev.DriverID)
	case models.StatusArrived:
		s.arrive()
	case models.StatusCancelled:
		switch s.status {
		case models.StatusSearching, models.StatusAccepted, models.StatusArrived, models.StatusInProgress:
		default:
			return
		}
		r := s.finish(models.StatusCancelled)
		observability.RidesCancelled.WithLabelValues("backend").Inc()
		s.logger.Info("ride_cancelled_by_backend", "ride_id", r.ID)
		s.notify("Ride cancelled", "Your ride was cancelled")
		s.recordLater(r, 0)
	default:
		s.logger.Debug("ride_event_ignored", "ride_id", ev.RideID, "status", ev.Status)
	}
}

func (s *Session) accept(driverID string) {
	s.stopSearch()
	s.status = models.StatusAccepted
	s.ride.Status = models.StatusAccepted
	s.ride.DriverID = driverID
	s.arrivedFired = false
	s.etaSeconds = 0
	s.driverPos = nil
	if s.deps.Directory != nil {
		s.posSub = s.deps.Directory.Subscribe(driverID)
	}
	observability.RidesAccepted.Inc()
	s.logger.Info("ride_accepted", "ride_id", s.ride.ID, "driver_id", driverID)
	s.notify("Driver found", "A driver accepted your ride and is on the way")
}

// arrive fires at most once per ride and only from accepted.
func (s *Session) arrive() {
	if s.status != models.StatusAccepted || s.arrivedFired {
		return
	}
	s.arrivedFired = true
	s.status = models.StatusArrived
	s.ride.Status = models.StatusArrived
	s.etaSeconds = 0
	observability.DriverArrivals.Inc()
	s.logger.Info("driver_arrived", "ride_id", s.ride.ID, "driver_id", s.ride.DriverID)
	s.notify("Driver arrived", "Your driver is waiting at the pickup point")
	s.persistLater(*s.ride)
}

func (s *Session) onPosition(d models.Driver) {
	if s.ride == nil || !s.status.Tracking() || d.ID != s.ride.DriverID {
		observability.StaleEvents.WithLabelValues("position").Inc()
		return
	}
	if !d.Online {
		// driver left the feed; keep the last known position and ETA
		s.logger.Info("assigned_driver_offline", "ride_id", s.ride.ID, "driver_id", d.ID)
		return
	}
	if s.driverPos != nil && !d.Updated.IsZero() && d.Updated.Before(s.driverPos.Updated) {
		observability.StaleEvents.WithLabelValues("position").Inc()
		return
	}
	pos := d
	s.driverPos = &pos
	if s.status != models.StatusAccepted {
		return
	}
	dist := geo.DistanceKm(d.Loc, s.ride.Pickup.Loc)
	s.etaSeconds = eta.Seconds(dist, s.cfg.AvgSpeedKmPerMin)
	if dist <= s.cfg.ArrivalThresholdKm {
		s.arrive()
	}
}
