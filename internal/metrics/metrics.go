// Package metrics provides Prometheus instrumentation for the Bazaar service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Finalize triggers.
const (
	TriggerBuyer = "buyer"
	TriggerAdmin = "admin"
	TriggerAuto  = "auto"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bazaar",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bazaar",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bazaar", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bazaar", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bazaar", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bazaar", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bazaar", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bazaar", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// --- Escrow metrics ---

	EscrowCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bazaar",
		Name:      "escrow_created_total",
		Help:      "Total escrows created at checkout by product type.",
	}, []string{"product_type"})

	EscrowFinalizedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bazaar",
		Name:      "escrow_finalized_total",
		Help:      "Total escrows finalized (funds released to vendor) by trigger.",
	}, []string{"trigger"})

	EscrowExtendedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bazaar",
		Name:      "escrow_extended_total",
		Help:      "Total auto-finalize deadline extensions.",
	})

	EscrowDisputedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bazaar",
		Name:      "escrow_disputed_total",
		Help:      "Total disputes opened.",
	})

	DisputesResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bazaar",
		Name:      "disputes_resolved_total",
		Help:      "Total disputes resolved by outcome.",
	}, []string{"outcome"})

	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bazaar",
		Name:      "escrow_duration_seconds",
		Help:      "Time from checkout to escrow resolution in seconds.",
		Buckets:   []float64{60, 3600, 6 * 3600, 86400, 2 * 86400, 5 * 86400, 10 * 86400, 30 * 86400},
	})

	// --- Sweeper metrics ---

	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bazaar",
		Name:      "sweep_duration_seconds",
		Help:      "Auto-finalize sweep run duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	SweepFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bazaar",
		Name:      "sweep_failures_total",
		Help:      "Escrows the sweeper failed to finalize.",
	})

	// --- Realtime ---

	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bazaar",
		Name:      "websocket_clients_active",
		Help:      "Connected event stream clients.",
	})

	RealtimeEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bazaar",
		Name:      "realtime_events_dropped_total",
		Help:      "Events dropped because the hub or a client buffer was full.",
	})

	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bazaar",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by a rate limiter.",
	}, []string{"limiter"})

	IdempotentReplaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bazaar",
		Name:      "idempotent_replays_total",
		Help:      "Responses served from the Idempotency-Key cache.",
	})

	// --- Deposit feed ---

	DepositsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bazaar",
		Name:      "deposits_total",
		Help:      "Deposit notifications by source and result.",
	}, []string{"source", "result"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		EscrowCreatedTotal,
		EscrowFinalizedTotal,
		EscrowExtendedTotal,
		EscrowDisputedTotal,
		DisputesResolvedTotal,
		EscrowDuration,
		SweepDuration,
		SweepFailuresTotal,
		ActiveWebSocketClients,
		RealtimeEventsDropped,
		RateLimitedTotal,
		IdempotentReplaysTotal,
		DepositsTotal,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
