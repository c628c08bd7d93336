package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PolicyDecisions records gateway decisions by action kind (login|register|module|other) and outcome.
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usageguard_policy_decisions_total",
			Help: "Total number of policy gateway decisions",
		},
		[]string{"kind", "result"},
	)

	// QuotaChecks counts ledger checks per module and outcome (allowed|quota_exceeded|burst_exceeded|unrestricted).
	QuotaChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usageguard_quota_checks_total",
			Help: "Total number of quota ledger checks",
		},
		[]string{"module", "result"},
	)

	// QuotaWarnings counts usage threshold warnings issued.
	QuotaWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usageguard_quota_warnings_total",
			Help: "Total number of daily quota threshold warnings",
		},
		[]string{"threshold"},
	)

	// SharingScores observes computed sharing scores.
	SharingScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "usageguard_sharing_score",
			Help:    "Distribution of computed account sharing scores",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 85, 100},
		},
	)

	// BlockTransitions counts block lifecycle transitions by resulting state.
	BlockTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usageguard_block_transitions_total",
			Help: "Total number of account block lifecycle transitions",
		},
		[]string{"transition"},
	)

	// DisplacedSessions counts sessions forced out by a newer login.
	DisplacedSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usageguard_displaced_sessions_total",
			Help: "Total number of sessions force-logged-out by a newer login",
		},
	)

	// ActiveSessions tracks sessions opened minus sessions closed by this process.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usageguard_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// QuotaResets counts scheduler runs by result (ran|skipped|error).
	QuotaResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usageguard_quota_resets_total",
			Help: "Total number of daily reset attempts",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usageguard_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// RequestsInFlight tracks HTTP requests currently being served.
	RequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usageguard_api_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)

	// RateLimitRejections counts requests rejected by the per-client API rate limiter.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usageguard_api_rate_limited_total",
			Help: "Total number of API requests rejected by the client rate limiter",
		},
		[]string{"path"},
	)
)
