package geo

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/example/ride-session/internal/models"
)

func TestDistanceKmZero(t *testing.T) {
	p := models.Coordinate{Lat: 13.45, Lng: -16.58}
	if d := DistanceKm(p, p); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmOneDegreeLatitude(t *testing.T) {
	d := DistanceKm(models.Coordinate{Lat: 0, Lng: 0}, models.Coordinate{Lat: 1, Lng: 0})
	want := earthRadiusKm * math.Pi / 180
	if math.Abs(d-want) > 1e-9 {
		t.Fatalf("expected %f, got %f", want, d)
	}
}

func TestDistanceKmSymmetric(t *testing.T) {
	a := models.Coordinate{Lat: 13.4549, Lng: -16.5790}
	b := models.Coordinate{Lat: 13.4370, Lng: -16.6780}
	if math.Abs(DistanceKm(a, b)-DistanceKm(b, a)) > 1e-12 {
		t.Fatal("distance not symmetric")
	}
}

// offsetKm returns a point roughly km north of c.
func offsetKm(c models.Coordinate, km float64) models.Coordinate {
	return models.Coordinate{Lat: c.Lat + km/(earthRadiusKm*math.Pi/180), Lng: c.Lng}
}

func TestFindWithinRadiusFiltersByDistanceAndClass(t *testing.T) {
	center := models.Coordinate{Lat: 13.45, Lng: -16.58}
	g := NewIndex()
	g.Upsert(models.Driver{ID: "near-car", VehicleType: models.VehicleCar, Loc: offsetKm(center, 1), Online: true})
	g.Upsert(models.Driver{ID: "far-car", VehicleType: models.VehicleCar, Loc: offsetKm(center, 5), Online: true})
	g.Upsert(models.Driver{ID: "near-moto", VehicleType: models.VehicleMoto, Loc: offsetKm(center, 0.5), Online: true})

	got, err := g.FindWithinRadius(context.Background(), center, 2, models.VehicleCar)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "near-car" {
		t.Fatalf("expected [near-car], got %+v", got)
	}

	all, _ := g.FindWithinRadius(context.Background(), center, 10, "")
	if len(all) != 3 || all[0].ID != "near-moto" {
		t.Fatalf("expected 3 drivers nearest first, got %+v", all)
	}
}

func TestFindWithinRadiusEmptyDirectory(t *testing.T) {
	got, err := NewIndex().FindWithinRadius(context.Background(), models.Coordinate{}, 10, models.VehicleCar)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no drivers and no error, got %v %v", got, err)
	}
}

func TestFindWithinRadiusCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewIndex().FindWithinRadius(ctx, models.Coordinate{}, 10, ""); err == nil {
		t.Fatal("expected context error")
	}
}

func TestUpsertOfflineRemoves(t *testing.T) {
	g := NewIndex()
	g.Upsert(models.Driver{ID: "d1", Online: true})
	g.Upsert(models.Driver{ID: "d1", Online: false})
	if _, ok := g.Get("d1"); ok {
		t.Fatal("offline driver should be removed")
	}
}

func TestUpsertIgnoresStaleUpdate(t *testing.T) {
	g := NewIndex()
	now := time.Now()
	g.Upsert(models.Driver{ID: "d1", Online: true, Loc: models.Coordinate{Lat: 2}, Updated: now})
	if g.Upsert(models.Driver{ID: "d1", Online: true, Loc: models.Coordinate{Lat: 1}, Updated: now.Add(-time.Second)}) {
		t.Fatal("stale update applied")
	}
	d, _ := g.Get("d1")
	if d.Loc.Lat != 2 {
		t.Fatalf("expected lat 2, got %f", d.Loc.Lat)
	}
	// duplicate is harmless
	g.Upsert(models.Driver{ID: "d1", Online: true, Loc: models.Coordinate{Lat: 2}, Updated: now})
	if g.Len() != 1 {
		t.Fatalf("expected 1 driver, got %d", g.Len())
	}
}

func TestSubscribeDeliversLatest(t *testing.T) {
	g := NewIndex()
	g.Upsert(models.Driver{ID: "d1", Online: true, Loc: models.Coordinate{Lat: 1}})
	sub := g.Subscribe("d1")
	defer sub.Close()

	// initial position, then two updates coalesced into the last one
	first := <-sub.Updates()
	if first.Loc.Lat != 1 {
		t.Fatalf("expected initial lat 1, got %f", first.Loc.Lat)
	}
	g.Upsert(models.Driver{ID: "d1", Online: true, Loc: models.Coordinate{Lat: 2}})
	g.Upsert(models.Driver{ID: "d1", Online: true, Loc: models.Coordinate{Lat: 3}})
	g.Upsert(models.Driver{ID: "other", Online: true})
	got := <-sub.Updates()
	if got.Loc.Lat != 3 {
		t.Fatalf("expected lat 3, got %f", got.Loc.Lat)
	}
	select {
	case d := <-sub.Updates():
		t.Fatalf("unexpected extra update %+v", d)
	default:
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	g := NewIndex()
	sub := g.Subscribe("d1")
	sub.Close()
	sub.Close()
	g.Upsert(models.Driver{ID: "d1", Online: true})
	if _, ok := <-sub.Updates(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestApplyDelete(t *testing.T) {
	g := NewIndex()
	g.Apply(models.DriverChange{Op: models.OpInsert, Driver: models.Driver{ID: "d1", Online: true}})
	sub := g.Subscribe("d1")
	defer sub.Close()
	<-sub.Updates()
	g.Apply(models.DriverChange{Op: models.OpDelete, Driver: models.Driver{ID: "d1"}})
	d := <-sub.Updates()
	if d.Online {
		t.Fatal("expected offline notification on delete")
	}
	if g.Len() != 0 {
		t.Fatalf("expected empty index, got %d", g.Len())
	}
}
