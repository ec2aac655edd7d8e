// Package metrics provides Prometheus metrics for the ASL engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	ContractsIngested     prometheus.Counter
	ContractsRejected     prometheus.Counter
	ConsentTransitions    *prometheus.CounterVec
	PrescriptionsReleased prometheus.Counter
	PrescriptionsDispensed prometheus.Counter
	IngestDuration        prometheus.Histogram
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	NotificationsSent     prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		ContractsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asl_contracts_ingested_total",
			Help: "Total pt_data contracts accepted",
		}),
		ContractsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asl_contracts_rejected_total",
			Help: "Total pt_data contracts rejected by validation",
		}),
		ConsentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asl_consent_transitions_total",
			Help: "Consent transitions by operation and outcome",
		}, []string{"operation", "outcome"}),
		PrescriptionsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asl_prescriptions_released_total",
			Help: "Prescriptions flipped from pending to available",
		}),
		PrescriptionsDispensed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asl_prescriptions_dispensed_total",
			Help: "Prescriptions dispensed at this pharmacy",
		}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "asl_contract_ingest_duration_seconds",
			Help:    "Contract validation and persistence duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asl_notifications_sent_total",
			Help: "Simulated patient notifications delivered",
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
		m.ContractsIngested,
		m.ContractsRejected,
		m.ConsentTransitions,
		m.PrescriptionsReleased,
		m.PrescriptionsDispensed,
		m.IngestDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.NotificationsSent,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
