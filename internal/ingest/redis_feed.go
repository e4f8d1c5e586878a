package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
)

// Applier consumes driver changes; geo.Index satisfies it.
type Applier interface {
	Apply(c models.DriverChange) bool
	Len() int
}

// RedisDriverFeed applies the all-driver change channel to a local directory.
type RedisDriverFeed struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	// Follow's retry bounds
	MinBackoff time.Duration
	MaxBackoff time.Duration

	attempts atomic.Int64
}

func NewRedisDriverFeed(client *redis.Client, channel string, logger *slog.Logger) *RedisDriverFeed {
	return &RedisDriverFeed{client: client, channel: channel, logger: logger, MinBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

// Follow keeps the feed subscribed until ctx is done, backing off between
// failed or dropped subscriptions.
func (f *RedisDriverFeed) Follow(ctx context.Context, dst Applier) {
	backoff := f.MinBackoff
	for {
		start := time.Now()
		err := f.Run(ctx, dst)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > f.MaxBackoff {
			backoff = f.MinBackoff
		}
		f.logger.Warn("driver_feed_lost", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, f.MaxBackoff)
	}
}

// Run blocks until ctx is done. go-redis resubscribes on reconnect; changes
// missed in between are lost and the directory keeps the last known state.
func (f *RedisDriverFeed) Run(ctx context.Context, dst Applier) error {
	f.attempts.Add(1)
	ps := f.client.Subscribe(ctx, f.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	f.logger.Info("driver_feed_subscribed", "channel", f.channel)
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var c models.DriverChange
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil || c.Driver.ID == "" {
				f.logger.Warn("invalid_driver_change", "payload", msg.Payload)
				continue
			}
			if dst.Apply(c) {
				observability.DriversOnline.Set(float64(dst.Len()))
			}
		}
	}
}
