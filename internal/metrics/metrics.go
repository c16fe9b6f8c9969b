// Package metrics defines the Prometheus collectors exported by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sentry"

var (
	PacketsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "packets_total",
		Help:      "Packets handed to the chunk assembler.",
	})

	CaptureActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "active",
		Help:      "1 while a capture session is running.",
	})

	ChunksSealed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chunk",
		Name:      "sealed_total",
		Help:      "Chunks sealed and written to disk.",
	})

	ChunksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chunk",
		Name:      "dropped_total",
		Help:      "Chunks that never reached processing.",
	}, []string{"reason"})

	DispatcherBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "backlog",
		Help:      "Chunks waiting for a worker.",
	})

	DispatcherInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "in_flight",
		Help:      "Chunks currently being processed.",
	})

	ChunkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "chunk_duration_seconds",
		Help:      "Wall time spent processing one chunk.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"outcome"})

	ExtractionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "extractor",
		Name:      "failures_total",
		Help:      "Extraction tool failures by reason.",
	}, []string{"reason"})

	FlowsScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scoring",
		Name:      "flows_total",
		Help:      "Flows scored, by model and outcome.",
	}, []string{"model", "anomalous"})

	BatchesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "batches_total",
		Help:      "Batches written, by status.",
	}, []string{"status"})

	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "alerts_total",
		Help:      "Alerts written, by severity.",
	}, []string{"severity"})

	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notification",
		Name:      "dropped_total",
		Help:      "Events that could not be delivered.",
	}, []string{"publisher"})
)
