package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-session/internal/models"
)

func rideChannel(rideID string) string { return "ride:" + rideID }

// RedisRideEvents carries ride row changes over Redis pub/sub, one channel
// per ride.
type RedisRideEvents struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisRideEvents(client *redis.Client, logger *slog.Logger) *RedisRideEvents {
	return &RedisRideEvents{client: client, logger: logger}
}

func (r *RedisRideEvents) Publish(ctx context.Context, ev models.RideEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal ride event: %w", err)
	}
	return r.client.Publish(ctx, rideChannel(ev.RideID), b).Err()
}

// SubscribeRide returns once Redis has confirmed the subscription.
func (r *RedisRideEvents) SubscribeRide(ctx context.Context, rideID string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, rideChannel(rideID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe ride %s: %w", rideID, err)
	}
	s := &redisSub{ps: ps, ch: make(chan models.RideEvent, 8), done: make(chan struct{})}
	go s.pump(rideID, r.logger)
	return s, nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan models.RideEvent
	done chan struct{}
	once sync.Once
}

func (s *redisSub) Events() <-chan models.RideEvent { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSub) pump(rideID string, logger *slog.Logger) {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		var ev models.RideEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			logger.Warn("invalid_ride_event", "ride_id", rideID, "error", err)
			continue
		}
		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}
