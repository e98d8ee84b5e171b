// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingestion metrics
	TradeEventsProcessed prometheus.Counter
	TradeEventsRejected  *prometheus.CounterVec
	PriceSamplesRecorded prometheus.Counter

	// Scoring metrics
	PoolRiskComputed prometheus.Counter
	UserRiskComputed prometheus.Counter
	PoolRiskScore    *prometheus.GaugeVec
	HighRiskPools    prometheus.Gauge
	PositionsClosed  prometheus.Counter
	LiquidityScored  prometheus.Counter

	// Control metrics
	ControlActions   *prometheus.CounterVec
	EmergencyActions prometheus.Counter
	SystemPaused     prometheus.Gauge

	// Notification metrics
	NotificationsSent prometheus.Counter

	// Registry metrics
	PoolsRegistered prometheus.Counter
	ActivePools     prometheus.Gauge

	// HTTP metrics
	RequestDuration *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "amm_risk_engine"
	}

	return &Metrics{
		TradeEventsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "trade_events_processed_total",
			Help:      "Total number of trade events processed",
		}),
		TradeEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "trade_events_rejected_total",
			Help:      "Total number of trade events rejected, by reason",
		}, []string{"reason"}),
		PriceSamplesRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "price_samples_recorded_total",
			Help:      "Total number of price samples written to volatility windows",
		}),

		PoolRiskComputed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "pool_risk_computed_total",
			Help:      "Total number of pool composite risk computations",
		}),
		UserRiskComputed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "user_risk_computed_total",
			Help:      "Total number of user risk computations",
		}),
		PoolRiskScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "pool_risk_score_bps",
			Help:      "Latest composite risk score per pool in basis points",
		}, []string{"pool"}),
		HighRiskPools: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "high_risk_pools",
			Help:      "Number of pools scored at or above the high-risk threshold",
		}),
		PositionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "positions_closed_total",
			Help:      "Total number of positions force-closed for exceeding risk",
		}),
		LiquidityScored: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "liquidity_scored_total",
			Help:      "Total number of liquidity score computations",
		}),

		ControlActions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "actions_total",
			Help:      "Total number of executed control actions, by type",
		}, []string{"action"}),
		EmergencyActions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "emergency_actions_total",
			Help:      "Total number of emergency stops",
		}),
		SystemPaused: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "system_paused",
			Help:      "1 while the system-wide pause is in force, 0 otherwise",
		}),

		NotificationsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_sent_total",
			Help:      "Total number of notifications enqueued",
		}),

		PoolsRegistered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "pools_registered_total",
			Help:      "Total number of pool registrations",
		}),
		ActivePools: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_pools",
			Help:      "Number of pools currently under monitoring",
		}),

		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration by handler",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTradeEvent increments the trade events processed counter.
func RecordTradeEvent() {
	DefaultMetrics.TradeEventsProcessed.Inc()
}

// RecordTradeEventRejected records a rejected trade event.
func RecordTradeEventRejected(reason string) {
	DefaultMetrics.TradeEventsRejected.WithLabelValues(reason).Inc()
}

// RecordRequest records HTTP handler latency.
func RecordRequest(handler string, seconds float64) {
	DefaultMetrics.RequestDuration.WithLabelValues(handler).Observe(seconds)
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// SetSystemPaused updates the pause gauge.
func SetSystemPaused(paused bool) {
	if paused {
		DefaultMetrics.SystemPaused.Set(1)
	} else {
		DefaultMetrics.SystemPaused.Set(0)
	}
}
