package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-session/internal/config"
	"github.com/example/ride-session/internal/dispatch"
	"github.com/example/ride-session/internal/eta"
	"github.com/example/ride-session/internal/fare"
	"github.com/example/ride-session/internal/geo"
	"github.com/example/ride-session/internal/ingest"
	"github.com/example/ride-session/internal/logging"
	"github.com/example/ride-session/internal/matcher"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/ride"
	"github.com/example/ride-session/internal/settlement"
	"github.com/example/ride-session/internal/storage"
)

const planJSON = `{"pickup":{"address":"Current Location","loc":{"lat":13.4549,"lng":-16.579}},
"stops":[{"address":"Senegambia Strip","loc":{"lat":13.4399,"lng":-16.6775}}],"vehicle_tier":"economy"}`

type testEnv struct {
	srv   *Server
	store *storage.MemoryStore
	dir   *geo.Index
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logging.Discard()
	cfg := config.DefaultRideConfig()
	cfg.TickInterval = time.Hour
	store := storage.NewMemoryStore()
	dir := geo.NewIndex()
	bus := ingest.NewBus()
	drivers := dispatch.NewWSRegistry()
	riders := dispatch.NewWSRegistry()
	mgr := ride.NewManager(context.Background(), cfg, ride.Deps{
		Store:     store,
		Credit:    store,
		Events:    bus,
		Directory: dir,
		Router:    eta.HaversineRouter{},
		Fares:     fare.Calculator{MinRidePrice: cfg.MinRidePrice, MinDeliveryFee: cfg.MinDeliveryFee},
		Broadcast: &matcher.Broadcaster{Geo: dir, Dispatch: drivers, Logger: logger},
		Settler:   settlement.New(store, store, cfg.RatingEnabled, logger),
		Activity:  store,
		Notifier:  riders,
		Logger:    logger,
	})
	t.Cleanup(mgr.Close)
	srv := NewServer(Server{
		Sessions:  mgr,
		Directory: dir,
		Activity:  store,
		Events:    bus,
		Drivers:   drivers,
		Riders:    riders,
		Ride:      cfg,
	}, logger)
	return &testEnv{srv: srv, store: store, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) status(t *testing.T, customer string) ride.Snapshot {
	t.Helper()
	rec := e.do(t, "GET", "/api/v1/riders/"+customer+"/ride", "")
	if rec.Code != 200 {
		t.Fatalf("snapshot: %d %s", rec.Code, rec.Body.String())
	}
	var snap ride.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	return snap
}

func (e *testEnv) waitStatus(t *testing.T, customer, want string) ride.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := e.status(t, customer)
		if string(snap.Status) == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("want status %s, have %s", want, snap.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (e *testEnv) confirm(t *testing.T, customer string) string {
	t.Helper()
	rec := e.do(t, "POST", "/api/v1/riders/"+customer+"/ride", planJSON)
	if rec.Code != http.StatusCreated {
		t.Fatalf("confirm: %d %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Ride struct {
			ID string `json:"id"`
		} `json:"ride"`
		Display string `json:"display_price"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.Display, "D") {
		t.Fatalf("display price %q", out.Display)
	}
	return out.Ride.ID
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "GET", "/healthz", "")
	if rec.Code != 200 || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestQuoteFormatsPrices(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "POST", "/api/v1/riders/c1/quote", planJSON)
	if rec.Code != 200 {
		t.Fatalf("quote: %d %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Tiers []tierQuote `json:"tiers"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Tiers) != 3 {
		t.Fatalf("want 3 tiers, got %d", len(out.Tiers))
	}
	for _, tq := range out.Tiers {
		if tq.OriginalPrice < 300 || tq.Display == "" || tq.Display[0] != 'D' {
			t.Fatalf("unexpected tier quote %+v", tq)
		}
	}
}

func TestConfirmRejectsBadPlan(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "POST", "/api/v1/riders/c1/ride", `{"pickup":{"address":"x","loc":{"lat":1,"lng":1}},"stops":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}
	rec = e.do(t, "POST", "/api/v1/riders/c1/ride", `{`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400 for bad json, got %d", rec.Code)
	}
}

func TestConfirmAndCancelWhileSearching(t *testing.T) {
	e := newTestEnv(t)
	id := e.confirm(t, "c1")
	if snap := e.status(t, "c1"); snap.Status != "searching" || snap.Ride.ID != id {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if rec := e.do(t, "POST", "/api/v1/riders/c1/ride", planJSON); rec.Code != http.StatusConflict {
		t.Fatalf("second confirm: want 409, got %d", rec.Code)
	}
	if rec := e.do(t, "POST", "/api/v1/riders/c1/ride/cancel", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	e.waitStatus(t, "c1", "idle")

	rec := e.do(t, "GET", "/api/v1/riders/c1/activity", "")
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), `"status":"cancelled"`) {
		t.Fatalf("activity: %d %s", rec.Code, rec.Body.String())
	}
	if rec := e.do(t, "GET", "/api/v1/riders/c1/activity?limit=x", ""); rec.Code != 400 {
		t.Fatalf("bad limit: want 400, got %d", rec.Code)
	}
}

func TestFullRideOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	id := e.confirm(t, "c1")

	if rec := e.do(t, "POST", "/internal/rides/"+id+"/events", `{"status":"accepted"}`); rec.Code != 400 {
		t.Fatalf("acceptance without driver: want 400, got %d", rec.Code)
	}
	if rec := e.do(t, "POST", "/internal/rides/"+id+"/events", `{"status":"accepted","driver_id":"d1"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("event: %d", rec.Code)
	}
	e.waitStatus(t, "c1", "accepted")

	if rec := e.do(t, "POST", "/api/v1/riders/c1/ride/cancel", `{"confirmed":false}`); rec.Code != http.StatusPreconditionRequired {
		t.Fatalf("unconfirmed cancel: want 428, got %d", rec.Code)
	}

	// driver reaches the pickup
	loc := `{"id":"d1","vehicle_type":"car","loc":{"lat":13.4549,"lng":-16.5791}}`
	if rec := e.do(t, "POST", "/internal/driver/locations", loc); rec.Code != http.StatusNoContent {
		t.Fatalf("location: %d", rec.Code)
	}
	e.waitStatus(t, "c1", "arrived")

	if rec := e.do(t, "POST", "/api/v1/riders/c1/ride/complete", ""); rec.Code != http.StatusConflict {
		t.Fatalf("complete from arrived: want 409, got %d", rec.Code)
	}
	for _, step := range []string{"start", "complete"} {
		if rec := e.do(t, "POST", "/api/v1/riders/c1/ride/"+step, ""); rec.Code != http.StatusNoContent {
			t.Fatalf("%s: %d %s", step, rec.Code, rec.Body.String())
		}
	}
	e.waitStatus(t, "c1", "review")

	if rec := e.do(t, "POST", "/api/v1/riders/c1/ride/review", `{"rating":9}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad rating: want 400, got %d", rec.Code)
	}
	e.waitStatus(t, "c1", "review")
	if rec := e.do(t, "POST", "/api/v1/riders/c1/ride/review", `{"rating":5,"comment":"thanks"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("review: %d %s", rec.Code, rec.Body.String())
	}
	e.waitStatus(t, "c1", "idle")
	if got := e.store.Reviews(); len(got) != 1 || got[0].TargetID != "d1" {
		t.Fatalf("unexpected reviews %+v", got)
	}
}

func TestDriverLocationAndRemoval(t *testing.T) {
	e := newTestEnv(t)
	loc := `{"id":"d7","vehicle_type":"moto","loc":{"lat":13.45,"lng":-16.58}}`
	if rec := e.do(t, "POST", "/internal/driver/locations", loc); rec.Code != http.StatusNoContent {
		t.Fatalf("location: %d", rec.Code)
	}
	if rec := e.do(t, "POST", "/internal/driver/locations", `{"loc":{"lat":1,"lng":1}}`); rec.Code != 400 {
		t.Fatalf("missing id: want 400, got %d", rec.Code)
	}
	rec := e.do(t, "GET", "/api/v1/riders/c1/drivers?lat=13.45&lng=-16.58&radius_km=2", "")
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), `"d7"`) {
		t.Fatalf("drivers: %d %s", rec.Code, rec.Body.String())
	}
	if rec := e.do(t, "DELETE", "/internal/drivers/d7", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if _, ok := e.dir.Get("d7"); ok {
		t.Fatal("driver still in directory")
	}
	if rec := e.do(t, "GET", "/api/v1/riders/c1/drivers?lat=abc", ""); rec.Code != 400 {
		t.Fatalf("bad lat: want 400, got %d", rec.Code)
	}
}

func TestRiderWebsocketReceivesNotifications(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/riders/c1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// registration happens after the handshake; wait until a send lands
	deadline := time.Now().Add(2 * time.Second)
	for e.srv.Riders.Send("c1", map[string]string{"type": "ping"}) != nil {
		if time.Now().After(deadline) {
			t.Fatal("rider socket never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ping map[string]string
	if err := conn.ReadJSON(&ping); err != nil || ping["type"] != "ping" {
		t.Fatalf("ping: %v %v", ping, err)
	}

	id := e.confirm(t, "c1")
	if rec := e.do(t, "POST", "/internal/rides/"+id+"/events", `{"status":"accepted","driver_id":"d1"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("event: %d", rec.Code)
	}
	var msg dispatch.Notification
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "notification" || msg.CustomerID != "c1" || msg.Title == "" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestReadOnlyRoutesDoNotOpenSessions(t *testing.T) {
	e := newTestEnv(t)
	e.dir.Upsert(models.Driver{ID: "d1", VehicleType: models.VehicleCar, Loc: models.Coordinate{Lat: 13.4549, Lng: -16.579}, Online: true})
	for i := 0; i < 50; i++ {
		id := "anon-" + strconv.Itoa(i)
		if snap := e.status(t, id); snap.Status != models.StatusIdle || snap.Ride != nil {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
		rec := e.do(t, "GET", "/api/v1/riders/"+id+"/drivers?lat=13.4549&lng=-16.579&radius_km=1", "")
		if rec.Code != 200 || !strings.Contains(rec.Body.String(), `"d1"`) {
			t.Fatalf("drivers: %d %s", rec.Code, rec.Body.String())
		}
	}
	if n := e.srv.Sessions.Len(); n != 0 {
		t.Fatalf("read-only requests opened %d sessions", n)
	}
}
