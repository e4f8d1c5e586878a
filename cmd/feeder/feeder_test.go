package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-session/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int
	geoCalls int
	hCalls   int
	removed  []string
	sent     []models.DriverChange
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, d models.Driver) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, d models.Driver) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func (f *fakeUpdater) Remove(ctx context.Context, driverID string) error {
	f.removed = append(f.removed, driverID)
	return nil
}

func (f *fakeUpdater) Publish(ctx context.Context, c models.DriverChange) error {
	f.sent = append(f.sent, c)
	return nil
}

func change(op models.ChangeOp) models.DriverChange {
	return models.DriverChange{Op: op, Driver: models.Driver{ID: "d1", Loc: models.Coordinate{Lat: 13.45, Lng: -16.57}, Rating: 4.5, Online: true}}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), f, change(models.OpUpdate), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if len(f.sent) != 1 {
		t.Fatalf("want one publish after the writes succeed, got %d", len(f.sent))
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	if err := updateRedisWithRetry(context.Background(), f, change(models.OpUpdate), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 || len(f.sent) != 0 {
		t.Fatalf("geo=%d sent=%d", f.geoCalls, len(f.sent))
	}
}

func TestUpdateRedisWithRetry_DeleteRemoves(t *testing.T) {
	f := &fakeUpdater{}
	if err := updateRedisWithRetry(context.Background(), f, change(models.OpDelete), 3, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if len(f.removed) != 1 || f.removed[0] != "d1" || f.geoCalls != 0 {
		t.Fatalf("removed=%v geo=%d", f.removed, f.geoCalls)
	}
	if len(f.sent) != 1 || f.sent[0].Op != models.OpDelete {
		t.Fatalf("unexpected publish %v", f.sent)
	}
}

func TestDecodeChange(t *testing.T) {
	c, err := decodeChange([]byte(`{"driver":{"id":"d1","loc":{"lat":1,"lng":2}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if c.Op != models.OpUpdate {
		t.Fatalf("missing op should default to update, got %q", c.Op)
	}
	if _, err := decodeChange([]byte(`{"op":"update","driver":{}}`)); !errors.Is(err, errNoDriverID) {
		t.Fatalf("want errNoDriverID, got %v", err)
	}
	if _, err := decodeChange([]byte(`{"op":"teleport","driver":{"id":"d1"}}`)); err == nil {
		t.Fatal("unknown op accepted")
	}
	if _, err := decodeChange([]byte(`not json`)); err == nil {
		t.Fatal("garbage accepted")
	}
}
