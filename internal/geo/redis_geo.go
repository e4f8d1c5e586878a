package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-session/internal/models"
)

// RedisStore mirrors the driver directory into Redis GEO plus a meta hash per
// driver, and fans changes out on a pub/sub channel.
type RedisStore struct {
	client  *redis.Client
	key     string
	channel string
}

func NewRedisStore(client *redis.Client, key, channel string) *RedisStore {
	return &RedisStore{client: client, key: key, channel: channel}
}

func (r *RedisStore) GeoAdd(ctx context.Context, d models.Driver) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lng, Latitude: d.Loc.Lat, Name: d.ID}).Err()
}

func (r *RedisStore) HSet(ctx context.Context, d models.Driver) error {
	updated := d.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	return r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"vehicle_type": string(d.VehicleType),
		"phone":        d.Phone,
		"rating":       strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"online":       strconv.FormatBool(d.Online),
		"updated":      updated.Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisStore) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(driverID)).Err()
}

func (r *RedisStore) Publish(ctx context.Context, c models.DriverChange) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal driver change: %w", err)
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}

// LoadAll reads every mirrored driver, used to warm an Index on start.
func (r *RedisStore) LoadAll(ctx context.Context) ([]models.Driver, error) {
	names, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}
	pos, err := r.client.GeoPos(ctx, r.key, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("driver positions: %w", err)
	}
	out := make([]models.Driver, 0, len(names))
	for i, name := range names {
		if i >= len(pos) || pos[i] == nil {
			continue
		}
		d := models.Driver{ID: name, Online: true}
		d.Loc.Lat = pos[i].Latitude
		d.Loc.Lng = pos[i].Longitude
		if m, err := r.client.HGetAll(ctx, metaKey(name)).Result(); err == nil {
			applyMeta(&d, m)
		}
		if d.Online {
			out = append(out, d)
		}
	}
	return out, nil
}

func applyMeta(d *models.Driver, m map[string]string) {
	if v, ok := m["vehicle_type"]; ok {
		d.VehicleType = models.VehicleClass(v)
	}
	d.Phone = m["phone"]
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	if v, ok := m["online"]; ok {
		d.Online = v == "true"
	}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.Updated = t
		}
	}
}

func metaKey(id string) string { return "driver:meta:" + id }
