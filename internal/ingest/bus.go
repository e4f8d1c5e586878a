package ingest

import (
	"context"
	"sync"

	"github.com/example/ride-session/internal/models"
)

// Subscription delivers the backend changes of one ride until closed.
type Subscription interface {
	Events() <-chan models.RideEvent
	Close() error
}

// Bus is an in-process ride event channel, used when no Redis is configured.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*busSub]struct{}
}

func NewBus() *Bus { return &Bus{subs: make(map[string]map[*busSub]struct{})} }

type busSub struct {
	bus    *Bus
	rideID string
	ch     chan models.RideEvent
	done   chan struct{}
	once   sync.Once
}

func (s *busSub) Events() <-chan models.RideEvent { return s.ch }

func (s *busSub) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if set, ok := s.bus.subs[s.rideID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.rideID)
			}
		}
	})
	return nil
}

func (b *Bus) SubscribeRide(ctx context.Context, rideID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &busSub{bus: b, rideID: rideID, ch: make(chan models.RideEvent, 8), done: make(chan struct{})}
	b.mu.Lock()
	set, ok := b.subs[rideID]
	if !ok {
		set = make(map[*busSub]struct{})
		b.subs[rideID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// Publish delivers ev to every subscriber of its ride.
func (b *Bus) Publish(ctx context.Context, ev models.RideEvent) error {
	b.mu.RLock()
	targets := make([]*busSub, 0, len(b.subs[ev.RideID]))
	for s := range b.subs[ev.RideID] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()
	for _, s := range targets {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
