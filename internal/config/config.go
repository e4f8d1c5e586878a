package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RideConfig holds the externally supplied inputs of the ride core: fare
// floors, search bounds and tracking thresholds.
type RideConfig struct {
	MinRidePrice          int64
	MinDeliveryFee        int64
	DefaultSearchRadiusKm float64
	CurrencySymbol        string
	RatingEnabled         bool

	StartRadiusKm      float64
	RadiusStepKm       float64
	ExpandIncrementKm  float64
	TickInterval       time.Duration
	SearchQueryTimeout time.Duration

	ArrivalThresholdKm float64
	AvgSpeedKmPerMin   float64

	// IOTimeout bounds backend calls made on behalf of a rider action.
	IOTimeout time.Duration
}

func DefaultRideConfig() RideConfig {
	return RideConfig{
		MinRidePrice:          300,
		MinDeliveryFee:        150,
		DefaultSearchRadiusKm: 10,
		CurrencySymbol:        "D",
		RatingEnabled:         true,
		StartRadiusKm:         2,
		RadiusStepKm:          2,
		ExpandIncrementKm:     10,
		TickInterval:          4 * time.Second,
		SearchQueryTimeout:    time.Second,
		ArrivalThresholdKm:    0.1,
		AvgSpeedKmPerMin:      0.5,
		IOTimeout:             5 * time.Second,
	}
}

// Validate reports every out-of-range value at once.
func (c RideConfig) Validate() error {
	var errs []error
	if c.MinRidePrice < 0 || c.MinDeliveryFee < 0 {
		errs = append(errs, fmt.Errorf("minimum fares must be >= 0"))
	}
	if c.StartRadiusKm <= 0 || c.RadiusStepKm <= 0 || c.ExpandIncrementKm <= 0 {
		errs = append(errs, fmt.Errorf("search radius, step and increment must be > 0"))
	}
	if c.DefaultSearchRadiusKm < c.StartRadiusKm {
		errs = append(errs, fmt.Errorf("DEFAULT_SEARCH_RADIUS_KM must be >= SEARCH_START_RADIUS_KM"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_TICK_INTERVAL must be > 0"))
	}
	if c.ArrivalThresholdKm <= 0 || c.AvgSpeedKmPerMin <= 0 {
		errs = append(errs, fmt.Errorf("arrival threshold and average speed must be > 0"))
	}
	if c.SearchQueryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_QUERY_TIMEOUT must be > 0"))
	}
	if c.IOTimeout <= 0 {
		errs = append(errs, fmt.Errorf("BACKEND_IO_TIMEOUT must be > 0"))
	}
	return errors.Join(errs...)
}

// ServerConfig captures all tunable parameters for the rider-session process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr          string
	RedisPassword      string
	RedisGeoKey        string
	RedisDriverChannel string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN string

	AMQPURL      string
	AMQPExchange string

	StripeAPIKey string

	OSRMEndpoint  string
	RouteCacheTTL time.Duration

	PushEndpoint string
	PushKey      string

	// SessionIdleTTL is how long an idle rider session is kept before the
	// manager closes it.
	SessionIdleTTL time.Duration

	LogLevel      string
	RunMigrations bool

	Ride RideConfig
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		RedisDriverChannel: "drivers:changes",
		KafkaTopic:         "driver-changes",
		KafkaGroup:         "ride-session-feeder",
		AMQPExchange:       "notifications",
		RouteCacheTTL:      5 * time.Minute,
		SessionIdleTTL:     10 * time.Minute,
		LogLevel:           "info",
		Ride:               DefaultRideConfig(),
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisDriverChannel, "REDIS_DRIVER_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setDurationFromEnv(&cfg.SessionIdleTTL, "SESSION_IDLE_TTL", &errs)
	if cfg.SessionIdleTTL <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_IDLE_TTL must be > 0"))
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	r := &cfg.Ride
	setInt64FromEnv(&r.MinRidePrice, "MIN_RIDE_PRICE", &errs)
	setInt64FromEnv(&r.MinDeliveryFee, "MIN_DELIVERY_FEE", &errs)
	setFloatFromEnv(&r.DefaultSearchRadiusKm, "DEFAULT_SEARCH_RADIUS_KM", &errs)
	setStringFromEnv(&r.CurrencySymbol, "CURRENCY_SYMBOL")
	setBoolFromEnv(&r.RatingEnabled, "RATING_ENABLED", &errs)
	setFloatFromEnv(&r.StartRadiusKm, "SEARCH_START_RADIUS_KM", &errs)
	setFloatFromEnv(&r.RadiusStepKm, "SEARCH_RADIUS_STEP_KM", &errs)
	setFloatFromEnv(&r.ExpandIncrementKm, "SEARCH_EXPAND_INCREMENT_KM", &errs)
	setDurationFromEnv(&r.TickInterval, "SEARCH_TICK_INTERVAL", &errs)
	setDurationFromEnv(&r.SearchQueryTimeout, "SEARCH_QUERY_TIMEOUT", &errs)
	setFloatFromEnv(&r.ArrivalThresholdKm, "ARRIVAL_THRESHOLD_KM", &errs)
	setFloatFromEnv(&r.AvgSpeedKmPerMin, "AVG_SPEED_KM_PER_MIN", &errs)
	setDurationFromEnv(&r.IOTimeout, "BACKEND_IO_TIMEOUT", &errs)

	if err := r.Validate(); err != nil {
		errs = append(errs, err)
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
