package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Consumer metrics
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_messages_total",
			Help: "Telemetry messages handled by outcome",
		},
		[]string{"outcome"}, // outcome: processed, malformed, failed
	)

	MessageRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_message_retries_total",
			Help: "Handle attempts repeated after a transient failure",
		},
	)

	MessageHandleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_message_handle_duration_seconds",
			Help:    "Time taken to evaluate all matching rules for one message",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	CommitFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_commit_failures_total",
			Help: "Offset commits that failed",
		},
	)

	// Evaluation metrics
	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_rule_evaluations_total",
			Help: "Condition evaluations by tri-state result",
		},
		[]string{"result"},
	)

	AlertEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alert_events_total",
			Help: "Alert lifecycle events written by type",
		},
		[]string{"event_type"},
	)

	CooldownSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_cooldown_suppressed_total",
			Help: "Triggers suppressed by rule cooldown",
		},
	)

	WindowKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_window_keys",
			Help: "Number of (rule, device) windows held in memory",
		},
	)

	// Rule cache metrics
	RuleCacheRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_rule_cache_refreshes_total",
			Help: "Rule cache refresh attempts by outcome",
		},
		[]string{"outcome"}, // outcome: success, failed
	)

	RulesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_rules_active",
			Help: "Rules in the current snapshot",
		},
	)

	RulesInvalid = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_rules_invalid_total",
			Help: "Rule versions rejected by DSL validation",
		},
	)

	// Scope cache metrics
	ScopeLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_scope_lookups_total",
			Help: "Device scope resolutions by cache outcome",
		},
		[]string{"outcome"}, // outcome: hit, miss, error
	)

	// Store metrics
	StoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_store_duration_seconds",
			Help:    "Relational store round-trip time",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"query"},
	)

	// Fan-out metrics
	FanoutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_fanout_total",
			Help: "Alert events handed to the Kafka fan-out",
		},
		[]string{"status"}, // status: published, failed, dropped
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_kafka_publish_duration_seconds",
			Help:    "Time taken to publish a fan-out batch to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
