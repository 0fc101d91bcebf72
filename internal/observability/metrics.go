package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "roadside"

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Committed request status transitions"},
		[]string{"to"},
	)
	TransitionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_rejected_total", Help: "Rejected transition attempts"},
		[]string{"reason"},
	)
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Provider assignments by path"},
		[]string{"path"},
	)
	MatcherFallbacks  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matcher_fallbacks_total", Help: "Client-side recomputations after an empty directory answer"})
	MatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Auto-assignment latency seconds"})
	SettlementFailed  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "settlement_initiation_failures_total", Help: "Failed provider payout initiations"})
	TrackingSessions  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracking_sessions", Help: "Requests with an active position session"})
	ProvidersReported = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "provider_location_reports_total", Help: "Provider directory location reports"})

	PositionSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "position_samples_total", Help: "Position samples by outcome"},
		[]string{"party", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
