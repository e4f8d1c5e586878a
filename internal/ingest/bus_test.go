package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-session/internal/models"
)

func TestBusDeliversToRideSubscribers(t *testing.T) {
	b := NewBus()
	ctx := context.Background()
	s1, _ := b.SubscribeRide(ctx, "r1")
	s2, _ := b.SubscribeRide(ctx, "r2")
	defer s1.Close()
	defer s2.Close()

	if err := b.Publish(ctx, models.RideEvent{RideID: "r1", Status: models.StatusAccepted, DriverID: "d1"}); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-s1.Events():
		if ev.DriverID != "d1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-s2.Events():
		t.Fatalf("r2 got foreign event %+v", ev)
	default:
	}
}

func TestBusPublishAfterCloseDoesNotBlock(t *testing.T) {
	b := NewBus()
	ctx := context.Background()
	s, _ := b.SubscribeRide(ctx, "r1")
	s.Close()
	s.Close()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			_ = b.Publish(ctx, models.RideEvent{RideID: "r1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on closed subscription")
	}
}

func TestBusSubscribeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewBus().SubscribeRide(ctx, "r1"); err == nil {
		t.Fatal("expected error")
	}
}
