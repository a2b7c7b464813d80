// Package metrics provides Prometheus metrics for the claims engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	BatchesCreated        prometheus.Counter
	BatchesGenerated      *prometheus.CounterVec
	BatchesFailed         prometheus.Counter
	GenerationDuration    prometheus.Histogram
	ValidationViolations  *prometheus.CounterVec
	SettlementFilesParsed *prometheus.CounterVec
	SettlementLineErrors  *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		BatchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claim_batches_created_total",
			Help: "Total claim batches created",
		}),
		BatchesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_batches_generated_total",
			Help: "Total claim batches generated, by protocol version",
		}, []string{"version"}),
		BatchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claim_batches_failed_total",
			Help: "Total claim batch generations that failed",
		}),
		GenerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "claim_batch_generation_duration_seconds",
			Help:    "Document generation duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		ValidationViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guide_validation_violations_total",
			Help: "Guide validation violations, by severity",
		}, []string{"severity"}),
		SettlementFilesParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_files_parsed_total",
			Help: "Settlement return files parsed, by operator",
		}, []string{"operator"}),
		SettlementLineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_line_errors_total",
			Help: "Unparseable settlement return lines, by operator",
		}, []string{"operator"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.BatchesCreated,
		m.BatchesGenerated,
		m.BatchesFailed,
		m.GenerationDuration,
		m.ValidationViolations,
		m.SettlementFilesParsed,
		m.SettlementLineErrors,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
