package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// SourceFetches counts adapter calls by source and outcome (ok/error/timeout)
var SourceFetches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "oracle_source_fetches_total",
		Help: "Total number of calls made to price and corporate action sources",
	},
	[]string{"source", "outcome"},
)

// SourceLatency records per-source fetch latency
var SourceLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "oracle_source_latency_seconds",
		Help:    "Latency in seconds of source adapter calls",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"source"},
)

// Consensus metrics
var (
	ConsensusConfidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oracle_consensus_confidence",
			Help: "Confidence of the latest consensus price per symbol",
		},
		[]string{"symbol"},
	)

	OutliersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_outliers_rejected_total",
			Help: "Quotes discarded as statistical outliers",
		},
		[]string{"source"},
	)

	SnapshotFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_snapshot_fallbacks_total",
			Help: "Consensus requests answered from a stale snapshot because no source responded",
		},
		[]string{"symbol"},
	)

	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_cache_lookups_total",
			Help: "Price cache lookups by result (hit/miss/error)",
		},
		[]string{"result"},
	)
)

// Corporate action metrics
var (
	ActionsReconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_corporate_actions_reconciled_total",
			Help: "Corporate actions upserted by the reconciler",
		},
		[]string{"type", "verified"},
	)

	ActionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oracle_corporate_actions_rejected_total",
			Help: "Corporate action records rejected by validation",
		},
	)
)

// Funding and risk metrics
var (
	FundingRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oracle_funding_rate_percent",
			Help: "Latest annualized funding rate per symbol",
		},
		[]string{"symbol"},
	)

	ComponentDefaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_funding_component_defaults_total",
			Help: "Funding rate components that fell back to their default value",
		},
		[]string{"component"},
	)

	RecommendationsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_recommendations_emitted_total",
			Help: "Leverage recommendations emitted by action",
		},
		[]string{"action"},
	)

	RiskLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oracle_risk_level",
			Help: "Rank of the latest identified risk window per symbol (0=LOW .. 3=CRITICAL)",
		},
		[]string{"symbol"},
	)
)

// HTTP metrics
var HTTPRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "oracle_http_requests_total",
		Help: "HTTP requests served by route and status code",
	},
	[]string{"route", "status"},
)

// FetchOutcome labels a failed source call as timeout or error.
func FetchOutcome(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

func init() {
	prometheus.MustRegister(SourceFetches, SourceLatency)
	prometheus.MustRegister(ConsensusConfidence, OutliersRejected, SnapshotFallbacks, CacheLookups)
	prometheus.MustRegister(ActionsReconciled, ActionsRejected)
	prometheus.MustRegister(FundingRate, ComponentDefaults, RecommendationsEmitted, RiskLevel)
	prometheus.MustRegister(HTTPRequests)
}
