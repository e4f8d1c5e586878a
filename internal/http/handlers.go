package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-session/internal/config"
	"github.com/example/ride-session/internal/dispatch"
	"github.com/example/ride-session/internal/geo"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
	"github.com/example/ride-session/internal/ride"
	"github.com/example/ride-session/internal/settlement"
	"github.com/example/ride-session/internal/storage"
)

type ActivityReader interface {
	RecentActivity(ctx context.Context, customerID string, limit int) ([]models.Activity, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev models.RideEvent) error
}

type ChangePublisher interface {
	PublishChange(ctx context.Context, c models.DriverChange) error
}

type Server struct {
	Sessions  *ride.Manager
	Directory *geo.Index
	Activity  ActivityReader
	Events    EventPublisher
	Changes   ChangePublisher // optional; without it driver updates go straight to Directory
	Drivers   *dispatch.WSRegistry
	Riders    *dispatch.WSRegistry
	Ride      config.RideConfig

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(s Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s.logger = logger
	s.mux = mux.NewRouter()
	srv := &s
	srv.registerMiddleware()
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/drivers/{driver_id}", s.handleDriverRemove).Methods("DELETE")
	s.mux.HandleFunc("/internal/rides/{ride_id}/events", s.handleRideEvent).Methods("POST")

	r := s.mux.PathPrefix("/api/v1/riders/{customer_id}").Subrouter()
	r.HandleFunc("/quote", s.handleQuote).Methods("POST")
	r.HandleFunc("/ride", s.handleConfirm).Methods("POST")
	r.HandleFunc("/ride", s.handleSnapshot).Methods("GET")
	r.HandleFunc("/ride/cancel", s.handleCancel).Methods("POST")
	r.HandleFunc("/ride/expand", s.action((*ride.Session).ExpandSearch)).Methods("POST")
	r.HandleFunc("/ride/decline", s.action((*ride.Session).DeclineExpand)).Methods("POST")
	r.HandleFunc("/ride/start", s.action((*ride.Session).StartTrip)).Methods("POST")
	r.HandleFunc("/ride/complete", s.action((*ride.Session).CompleteRide)).Methods("POST")
	r.HandleFunc("/ride/review", s.handleReview).Methods("POST")
	r.HandleFunc("/drivers", s.handleVisibleDrivers).Methods("GET")
	r.HandleFunc("/activity", s.handleActivity).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.wsHandler(s.Drivers, "driver_id"))
	s.mux.HandleFunc("/ws/riders/{customer_id}", s.wsHandler(s.Riders, "customer_id"))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) session(r *http.Request) *ride.Session {
	return s.Sessions.Session(mux.Vars(r)["customer_id"])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps session and settlement errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusServiceUnavailable
	var serr *settlement.Error
	switch {
	case errors.Is(err, ride.ErrInvalidPlan):
		status = http.StatusBadRequest
	case errors.Is(err, ride.ErrConfirmationRequired):
		status = http.StatusPreconditionRequired
	case errors.Is(err, ride.ErrInvalidTransition), errors.Is(err, ride.ErrBusy):
		status = http.StatusConflict
	case errors.As(err, &serr) && serr.Step == settlement.StepValidation:
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrInsufficientCredit):
		status = http.StatusPaymentRequired
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		s.logger.Warn("request_failed", "route", routeTemplate(r), "error", err, "request_id", requestIDFromContext(r.Context()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type tierQuote struct {
	Tier          models.TierID `json:"vehicle_tier"`
	Label         string        `json:"label"`
	MinSeats      int           `json:"min_seats"`
	OriginalPrice int64         `json:"original_price"`
	FinalPrice    int64         `json:"final_price"`
	CreditUsed    int64         `json:"amount_of_credit_used"`
	Display       string        `json:"display_price"`
}

func (s *Server) money(v int64) string { return fmt.Sprintf("%s%d", s.Ride.CurrencySymbol, v) }

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var plan ride.TripPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	q, err := s.session(r).Quote(r.Context(), plan)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]tierQuote, 0, len(q.Tiers))
	for _, tq := range q.Tiers {
		out = append(out, tierQuote{
			Tier:          tq.Tier.ID,
			Label:         tq.Tier.Label,
			MinSeats:      tq.Tier.MinSeats,
			OriginalPrice: tq.Quote.OriginalPrice,
			FinalPrice:    tq.Quote.FinalPrice,
			CreditUsed:    tq.Quote.CreditUsed,
			Display:       s.money(tq.Quote.FinalPrice),
		})
	}
	writeJSON(w, 200, map[string]any{"distance_km": q.DistanceKm, "available_credit": q.Credit, "tiers": out})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var plan ride.TripPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	rr, err := s.session(r).Confirm(r.Context(), plan)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ride": rr, "display_price": s.money(rr.Price())})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.Sessions.Lookup(mux.Vars(r)["customer_id"])
	if !ok {
		writeJSON(w, 200, ride.Snapshot{Status: models.StatusIdle})
		return
	}
	snap, err := sess.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, 200, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Confirmed bool `json:"confirmed"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	if err := s.session(r).Cancel(r.Context(), body.Confirmed); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(204)
}

// action adapts a no-argument session command to a handler.
func (s *Server) action(fn func(*ride.Session, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(s.session(r), r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(204)
	}
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.session(r).SubmitReview(r.Context(), body.Rating, body.Comment); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(204)
}

func queryFloat(r *http.Request, key string, def float64) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseFloat(v, 64)
}

func (s *Server) handleVisibleDrivers(w http.ResponseWriter, r *http.Request) {
	lat, err1 := queryFloat(r, "lat", 0)
	lng, err2 := queryFloat(r, "lng", 0)
	radius, err3 := queryFloat(r, "radius_km", s.Ride.DefaultSearchRadiusKm)
	if err := errors.Join(err1, err2, err3); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	center := models.Coordinate{Lat: lat, Lng: lng}
	var drivers []models.Driver
	var err error
	if sess, ok := s.Sessions.Lookup(mux.Vars(r)["customer_id"]); ok {
		drivers, err = sess.VisibleDrivers(r.Context(), center, radius)
	} else {
		// no session means no assigned driver to single out
		drivers, err = s.Directory.FindWithinRadius(r.Context(), center, radius, "")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, 200, map[string]any{"drivers": drivers})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", 400)
			return
		}
		limit = n
	}
	acts, err := s.Activity.RecentActivity(r.Context(), mux.Vars(r)["customer_id"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type entry struct {
		models.Activity
		Display string `json:"display_price"`
	}
	out := make([]entry, 0, len(acts))
	for _, a := range acts {
		out = append(out, entry{Activity: a, Display: s.money(a.Price)})
	}
	writeJSON(w, 200, map[string]any{"activity": out})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if d.ID == "" {
		http.Error(w, "driver id required", 400)
		return
	}
	d.Online = true
	if err := s.applyChange(r.Context(), models.DriverChange{Op: models.OpUpdate, Driver: d}); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleDriverRemove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	if err := s.applyChange(r.Context(), models.DriverChange{Op: models.OpDelete, Driver: models.Driver{ID: id}}); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) applyChange(ctx context.Context, c models.DriverChange) error {
	if s.Changes != nil {
		return s.Changes.PublishChange(ctx, c)
	}
	s.Directory.Apply(c)
	observability.DriversOnline.Set(float64(s.Directory.Len()))
	return nil
}

func (s *Server) handleRideEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.RideEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	ev.RideID = mux.Vars(r)["ride_id"]
	if ev.Status == models.StatusAccepted && ev.DriverID == "" {
		http.Error(w, "acceptance needs a driver_id", 400)
		return
	}
	if err := s.Events.Publish(r.Context(), ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(202)
}

var upgrader = websocket.Upgrader{}

// wsHandler registers the connection and keeps reading until the peer
// goes away, so closed sockets leave the registry.
func (s *Server) wsHandler(reg *dispatch.WSRegistry, key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)[key]
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("ws_upgrade_failed", "id", id, "error", err)
			return
		}
		reg.Add(id, conn)
		go func() {
			defer reg.Remove(id, conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
