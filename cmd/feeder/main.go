package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-session/internal/config"
	"github.com/example/ride-session/internal/geo"
	"github.com/example/ride-session/internal/logging"
	"github.com/example/ride-session/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feeder_messages_consumed_total",
		Help: "Total driver change messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feeder_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feeder_redis_updates_total",
		Help: "Total driver changes mirrored and published",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feeder_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("driver-feeder", cfg.LogLevel)
	slog.SetDefault(logger)

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})
	store := geo.NewRedisStore(rc, cfg.RedisGeoKey, cfg.RedisDriverChannel)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("feeder_metrics_listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("feeder_metrics_stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("feeder_listening", "topic", cfg.KafkaTopic, "brokers", brokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("feeder_shutting_down")
				return
			}
			logger.Warn("kafka_read_failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		c, err := decodeChange(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid_driver_change", "error", err, "offset", m.Offset)
			continue
		}
		if err := updateRedisWithRetry(ctx, store, c, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis_update_failed", "driver_id", c.Driver.ID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// RedisUpdater is the subset of geo.RedisStore the feeder writes through.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, d models.Driver) error
	HSet(ctx context.Context, d models.Driver) error
	Remove(ctx context.Context, driverID string) error
	Publish(ctx context.Context, c models.DriverChange) error
}

var errNoDriverID = errors.New("driver change without driver id")

func decodeChange(b []byte) (models.DriverChange, error) {
	var c models.DriverChange
	if err := json.Unmarshal(b, &c); err != nil {
		return c, err
	}
	if c.Driver.ID == "" {
		return c, errNoDriverID
	}
	switch c.Op {
	case "":
		c.Op = models.OpUpdate
	case models.OpInsert, models.OpUpdate, models.OpDelete:
	default:
		return c, fmt.Errorf("unknown op %q", c.Op)
	}
	return c, nil
}

// updateRedisWithRetry mirrors the change into redis and then publishes it to
// the live feed. Each attempt restarts from the first write.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, c models.DriverChange, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = applyChange(ctx, rc, c); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func applyChange(ctx context.Context, rc RedisUpdater, c models.DriverChange) error {
	if c.Op == models.OpDelete {
		if err := rc.Remove(ctx, c.Driver.ID); err != nil {
			return err
		}
	} else {
		if err := rc.GeoAdd(ctx, c.Driver); err != nil {
			return err
		}
		if err := rc.HSet(ctx, c.Driver); err != nil {
			return err
		}
	}
	return rc.Publish(ctx, c)
}
