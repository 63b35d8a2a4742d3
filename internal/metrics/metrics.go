// Package metrics holds the prometheus collectors shared by the relay,
// the consumer workers and the monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	groupLabel     = "group"
	eventTypeLabel = "event_type"
	outcomeLabel   = "outcome"
)

var (
	// RelayPublished counts outbox events appended to the stream.
	RelayPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "relay",
		Name:      "published_total",
		Help:      "Number of outbox events appended to the stream",
	})

	// RelayConflicts counts batches another relay had already marked.
	RelayConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "relay",
		Name:      "conflict_count",
		Help:      "Number of relay batches already marked published by another relay",
	})

	// RelayErrors counts failed relay cycles by stage.
	RelayErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "relay",
		Name:      "error_count",
		Help:      "Number of relay errors by stage",
	}, []string{"stage"})

	// RelayBatchLatency is how long one fetch-append-mark cycle takes.
	RelayBatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "eventpipe",
		Subsystem: "relay",
		Name:      "batch_latency_seconds",
		Help:      "Relay batch latency in seconds",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0},
	})

	// RelayLag is the age of the oldest pending outbox event.
	RelayLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "eventpipe",
		Subsystem: "relay",
		Name:      "lag_seconds",
		Help:      "Age of the oldest unpublished outbox event in seconds",
	})

	// WorkerProcessed counts deliveries by final outcome.
	WorkerProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "worker",
		Name:      "processed_total",
		Help:      "Number of deliveries handled by outcome",
	}, []string{groupLabel, eventTypeLabel, outcomeLabel})

	// WorkerLatency is how long a handler transaction takes.
	WorkerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eventpipe",
		Subsystem: "worker",
		Name:      "latency_seconds",
		Help:      "Handler transaction latency in seconds",
		Buckets:   []float64{0.001, 0.01, 0.1, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
	}, []string{groupLabel, eventTypeLabel})

	// WorkerRetries counts scheduled retries.
	WorkerRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "worker",
		Name:      "retry_count",
		Help:      "Number of retries scheduled",
	}, []string{groupLabel, eventTypeLabel})

	// WorkerClaimed counts stale entries adopted from other consumers.
	WorkerClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "worker",
		Name:      "claimed_total",
		Help:      "Number of stale pending entries claimed from other consumers",
	}, []string{groupLabel})

	// DeadLetters counts dead-letter entries written.
	DeadLetters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventpipe",
		Subsystem: "dlq",
		Name:      "written_total",
		Help:      "Number of dead-letter entries written",
	}, []string{groupLabel, eventTypeLabel})
)

func init() {
	prometheus.MustRegister(
		RelayPublished,
		RelayConflicts,
		RelayErrors,
		RelayBatchLatency,
		RelayLag,
		WorkerProcessed,
		WorkerLatency,
		WorkerRetries,
		WorkerClaimed,
		DeadLetters,
	)
}
