package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesConfirmed   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "rides_confirmed_total", Help: "Rides that entered searching"})
	RidesAccepted    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "rides_accepted_total", Help: "Rides a driver accepted"})
	RidesCompleted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "rides_completed_total", Help: "Rides settled after review"})
	RidesCancelled   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_session", Name: "rides_cancelled_total", Help: "Rides cancelled, by reason"}, []string{"reason"})
	DriverArrivals   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "driver_arrivals_total", Help: "Automatic accepted->arrived transitions"})
	StaleEvents      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_session", Name: "stale_events_total", Help: "Inbound events discarded as stale"}, []string{"kind"})
	SearchTicks      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "search_ticks_total", Help: "Search loop ticks"})
	SearchExhausted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "search_exhausted_total", Help: "Searches that reached the radius ceiling"})
	SettlementErrors = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_session", Name: "settlement_errors_total", Help: "Failed review settlements, by step"}, []string{"step"})
	NotifyErrors     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_session", Name: "notify_errors_total", Help: "Push notifications that failed to send"})
	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_session", Name: "drivers_online", Help: "Drivers in the local directory"})
	ActiveSessions   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_session", Name: "active_sessions", Help: "Rider sessions held by this process"})

	SearchQueryLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_session", Name: "search_query_seconds", Help: "Directory query latency during search", Buckets: prometheus.DefBuckets})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_session", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_session",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
