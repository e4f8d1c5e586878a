package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-session/internal/config"
	"github.com/example/ride-session/internal/dispatch"
	"github.com/example/ride-session/internal/eta"
	"github.com/example/ride-session/internal/fare"
	"github.com/example/ride-session/internal/geo"
	httpapi "github.com/example/ride-session/internal/http"
	"github.com/example/ride-session/internal/ingest"
	"github.com/example/ride-session/internal/logging"
	"github.com/example/ride-session/internal/matcher"
	"github.com/example/ride-session/internal/observability"
	"github.com/example/ride-session/internal/payments"
	"github.com/example/ride-session/internal/ride"
	"github.com/example/ride-session/internal/settlement"
	"github.com/example/ride-session/internal/storage"
)

type rideEvents interface {
	ride.RideEvents
	httpapi.EventPublisher
}

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ride-session", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// optional migration: run migrations/001_create_rides.sql if requested
	if cfg.PGDSN != "" && cfg.RunMigrations {
		migrate(ctx, cfg.PGDSN, logger)
	}

	var store storage.Store = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres_unavailable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
	}
	var (
		credit ride.CreditSource       = store
		ledger settlement.CreditLedger = store
	)
	if cfg.StripeAPIKey != "" {
		sl := payments.NewStripeLedger(cfg.StripeAPIKey, "")
		credit, ledger = sl, sl
	}

	idx := geo.NewIndex()
	var events rideEvents = ingest.NewBus()
	var changes httpapi.ChangePublisher
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		warmDirectory(ctx, geo.NewRedisStore(rc, cfg.RedisGeoKey, cfg.RedisDriverChannel), idx, logger)
		feed := ingest.NewRedisDriverFeed(rc, cfg.RedisDriverChannel, logger)
		go feed.Follow(ctx, idx)
		events = ingest.NewRedisRideEvents(rc, logger)

		if len(cfg.KafkaBrokers) > 0 {
			kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
			defer kp.Close()
			changes = kp
		}
	} else if len(cfg.KafkaBrokers) > 0 {
		logger.Warn("kafka_ignored_without_redis", "brokers", cfg.KafkaBrokers)
	}

	var router eta.Router = eta.HaversineRouter{}
	if cfg.OSRMEndpoint != "" {
		router = eta.Cached{Router: eta.NewOSRMRouter(cfg.OSRMEndpoint), Cache: eta.NewCache(cfg.RouteCacheTTL)}
	}

	drivers := dispatch.NewWSRegistry()
	riders := dispatch.NewWSRegistry()
	notifiers := dispatch.Multi{riders}
	if cfg.PushEndpoint != "" {
		notifiers = append(notifiers, dispatch.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey))
	}
	if cfg.AMQPURL != "" {
		an, err := dispatch.NewAMQPNotifier(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Warn("amqp_unavailable", "error", err)
		} else {
			defer an.Close()
			notifiers = append(notifiers, an)
		}
	}
	var notifier dispatch.Notifier = notifiers
	if len(notifiers) == 1 {
		// riders without an open socket should still show up in the logs
		notifier = dispatch.Multi{riders, dispatch.LogNotifier{Logger: logger}}
	}

	rideCfg := cfg.Ride
	mgr := ride.NewManager(ctx, rideCfg, ride.Deps{
		Store:     store,
		Credit:    credit,
		Events:    events,
		Directory: idx,
		Router:    router,
		Fares:     fare.Calculator{MinRidePrice: rideCfg.MinRidePrice, MinDeliveryFee: rideCfg.MinDeliveryFee},
		Broadcast: &matcher.Broadcaster{
			Geo:           idx,
			Dispatch:      drivers,
			Timeout:       rideCfg.SearchQueryTimeout,
			SpeedKmPerMin: rideCfg.AvgSpeedKmPerMin,
			Logger:        logger,
		},
		Settler:  settlement.New(store, ledger, rideCfg.RatingEnabled, logger),
		Activity: store,
		Notifier: notifier,
		Logger:   logger,
	})
	defer mgr.Close()
	go mgr.Run(ctx, cfg.SessionIdleTTL)

	api := httpapi.NewServer(httpapi.Server{
		Sessions:  mgr,
		Directory: idx,
		Activity:  store,
		Events:    events,
		Changes:   changes,
		Drivers:   drivers,
		Riders:    riders,
		Ride:      rideCfg,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http_shutdown_failed", "error", err)
		}
	}()

	logger.Info("ride_session_listening", "addr", cfg.HTTPAddr, "redis", cfg.RedisAddr != "", "postgres", cfg.PGDSN != "", "stripe", cfg.StripeAPIKey != "")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http_server_failed", "error", err)
		os.Exit(1)
	}
}

func warmDirectory(ctx context.Context, rs *geo.RedisStore, idx *geo.Index, logger *slog.Logger) {
	drivers, err := rs.LoadAll(ctx)
	if err != nil {
		logger.Warn("directory_warmup_failed", "error", err)
		return
	}
	for _, d := range drivers {
		idx.Upsert(d)
	}
	observability.DriversOnline.Set(float64(idx.Len()))
	logger.Info("directory_warmed", "drivers", idx.Len())
}

func migrate(ctx context.Context, dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration_db_open_failed", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		logger.Error("migration_read_failed", "error", err)
		return
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		logger.Error("migration_exec_failed", "error", err)
		return
	}
	logger.Info("migration_applied", "file", "001_create_rides.sql")
}
