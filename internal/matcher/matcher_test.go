package matcher

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/example/ride-session/internal/models"
)

type fakeGeo struct {
	drivers []models.Driver
	err     error
	block   bool
}

func (f *fakeGeo) FindWithinRadius(ctx context.Context, center models.Coordinate, radiusKm float64, class models.VehicleClass) ([]models.Driver, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.drivers, f.err
}

type recordingDisp struct{ offers []models.RideOffer }

func (r *recordingDisp) Offer(driverID string, offer models.RideOffer) error {
	r.offers = append(r.offers, offer)
	return nil
}

func TestSearchExhaustsAfterCeiling(t *testing.T) {
	s := NewSearch("ride1", Params{StartRadiusKm: 2, MaxRadiusKm: 10, StepKm: 2})
	wantRadii := []float64{2, 4, 6, 8}
	for i, want := range wantRadii {
		r, d := s.Tick()
		if r != want || d != Continue {
			t.Fatalf("tick %d: expected radius %v continue, got %v %v", i+1, want, r, d)
		}
	}
	if s.CurrentRadiusKm != 10 || s.Exhausted {
		t.Fatalf("after 4 ticks expected radius 10 and not exhausted, got %+v", s)
	}
	r, d := s.Tick()
	if r != 10 || d != Exhausted || !s.Exhausted {
		t.Fatalf("tick 5: expected exhausted at 10, got %v %v", r, d)
	}
}

func TestSearchStartAtCeilingQueriesThenDecides(t *testing.T) {
	s := NewSearch("r", Params{StartRadiusKm: 10, MaxRadiusKm: 10, StepKm: 2})
	r, d := s.Tick()
	if r != 10 || d != Exhausted || s.ElapsedTicks != 1 {
		t.Fatalf("expected the ceiling radius on the deciding tick, got %v %v %+v", r, d, s)
	}
}

func TestSearchTerminatesWithinBound(t *testing.T) {
	cases := []Params{
		{StartRadiusKm: 2, MaxRadiusKm: 10, StepKm: 2},
		{StartRadiusKm: 1, MaxRadiusKm: 10, StepKm: 3},
		{StartRadiusKm: 5, MaxRadiusKm: 5, StepKm: 2},
		{StartRadiusKm: 12, MaxRadiusKm: 10, StepKm: 2},
		{StartRadiusKm: 2, MaxRadiusKm: 10, StepKm: 0},
	}
	for _, p := range cases {
		s := NewSearch("r", p)
		expansions := int(math.Ceil((s.MaxRadiusKm - s.CurrentRadiusKm) / s.StepKm))
		ticks := 0
		for {
			ticks++
			if _, d := s.Tick(); d == Exhausted {
				break
			}
			if ticks > 100 {
				t.Fatalf("search %+v did not terminate", p)
			}
		}
		if ticks != expansions+1 {
			t.Fatalf("params %+v: expected decision on tick %d, got %d", p, expansions+1, ticks)
		}
	}
}

func TestSearchExpandContinuesFromCurrentRadius(t *testing.T) {
	s := NewSearch("r", Params{StartRadiusKm: 2, MaxRadiusKm: 4, StepKm: 2})
	s.Tick()
	s.Tick()
	if !s.Exhausted {
		t.Fatal("expected exhausted")
	}
	s.Expand(10)
	if s.Exhausted || s.MaxRadiusKm != 14 || s.CurrentRadiusKm != 4 {
		t.Fatalf("unexpected state after expand: %+v", s)
	}
	r, d := s.Tick()
	if r != 4 || d != Continue || s.CurrentRadiusKm != 6 {
		t.Fatalf("expected to resume at 4, got %v %v %+v", r, d, s)
	}
}

func TestBroadcastRanksAndOffersOnce(t *testing.T) {
	g := &fakeGeo{drivers: []models.Driver{
		{ID: "A", Loc: models.Coordinate{}, Rating: 4.0, Online: true},
		{ID: "B", Loc: models.Coordinate{}, Rating: 5.0, Online: true},
	}}
	disp := &recordingDisp{}
	b := &Broadcaster{Geo: g, Dispatch: disp, SpeedKmPerMin: 0.5}
	req := Request{RideID: "ride1", Pickup: models.Coordinate{}, Vehicle: models.VehicleCar, Price: 300}

	res := b.Broadcast(context.Background(), req, 2)
	if res.Found != 2 || res.Offered != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if disp.offers[0].DriverID != "B" {
		t.Fatalf("expected B offered first, got %s", disp.offers[0].DriverID)
	}

	res = b.Broadcast(context.Background(), req, 4)
	if res.Found != 2 || res.Offered != 0 {
		t.Fatalf("expected no repeat offers, got %+v", res)
	}

	b.Forget("ride1")
	if res := b.Broadcast(context.Background(), req, 4); res.Offered != 2 {
		t.Fatalf("expected offers again after Forget, got %+v", res)
	}
}

func TestBroadcastTimeoutCountsAsZero(t *testing.T) {
	b := &Broadcaster{Geo: &fakeGeo{block: true}, Timeout: 5 * time.Millisecond}
	res := b.Broadcast(context.Background(), Request{RideID: "r"}, 2)
	if res.Found != 0 || !res.TimedOut {
		t.Fatalf("expected timed out zero result, got %+v", res)
	}
}

func TestBroadcastErrorCountsAsZero(t *testing.T) {
	b := &Broadcaster{Geo: &fakeGeo{err: errors.New("redis down")}}
	res := b.Broadcast(context.Background(), Request{RideID: "r"}, 2)
	if res.Found != 0 || res.TimedOut {
		t.Fatalf("expected zero result without timeout, got %+v", res)
	}
}
