package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accproxy",
		Name:      "requests_total",
		Help:      "Proxied requests by provider, effective model, and status code.",
	}, []string{"provider", "model", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "accproxy",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider", "streaming"})

	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accproxy",
		Name:      "tokens_total",
		Help:      "Tokens accounted, split by direction.",
	}, []string{"provider", "model", "direction"})

	CostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accproxy",
		Name:      "cost_usd_total",
		Help:      "Attributed spend in USD.",
	}, []string{"provider", "model"})

	BudgetDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accproxy",
		Name:      "budget_decisions_total",
		Help:      "Budget pre-check outcomes.",
	}, []string{"decision"})

	RoutingApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accproxy",
		Name:      "routing_rules_applied_total",
		Help:      "Requests redirected by a routing rule.",
	}, []string{"target_model"})

	SecurityDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accproxy",
		Name:      "security_detections_total",
		Help:      "Detections by threat type and severity.",
	}, []string{"threat_type", "severity"})

	StreamKills = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accproxy",
		Name:      "stream_kills_total",
		Help:      "Streams terminated mid-flight.",
	}, []string{"reason"})

	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accproxy",
		Name:      "upstream_errors_total",
		Help:      "Upstream failures by class.",
	}, []string{"provider", "class"})

	JournalQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "accproxy",
		Name:      "journal_queue_depth",
		Help:      "Journal records waiting to be persisted.",
	})
)
