// Package metrics provides Prometheus instrumentation for Kestrel.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts transaction decisions by outcome and matched rule.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "decisions_total",
			Help:      "Total transaction decisions by outcome and rule.",
		},
		[]string{"decision", "rule"},
	)

	// PatternAlertsTotal counts sequential pattern alerts.
	PatternAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "pattern_alerts_total",
			Help:      "Total pattern alerts by kind and severity.",
		},
		[]string{"kind", "severity"},
	)

	// MessageScoresTotal counts scored messages by tier.
	MessageScoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "message_scores_total",
			Help:      "Total scored messages by tier.",
		},
		[]string{"tier"},
	)

	// MessageCacheHits counts memoized message scores served from cache.
	MessageCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "message_cache_hits_total",
		Help:      "Message scores served from cache.",
	})

	// VulnerabilityScore observes the distribution of vulnerability scores.
	VulnerabilityScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "vulnerability_score",
		Help:      "Distribution of vulnerability scores (0-100).",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// ScoringDuration observes engine latency by operation.
	ScoringDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "scoring_duration_seconds",
			Help:      "Scoring duration in seconds.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"operation"},
	)

	// ActiveIdentityLocks tracks identities currently being scored.
	ActiveIdentityLocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Name:      "active_identity_locks",
		Help:      "Number of identities with a scoring call in flight.",
	})

	// WorkerEventsTotal counts bus events handled by the worker.
	WorkerEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "worker_events_total",
			Help:      "Bus events handled by the worker by topic and result.",
		},
		[]string{"topic", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		PatternAlertsTotal,
		MessageScoresTotal,
		MessageCacheHits,
		VulnerabilityScore,
		ScoringDuration,
		ActiveIdentityLocks,
		WorkerEventsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
