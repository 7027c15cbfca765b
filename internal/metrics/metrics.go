// Package metrics exposes Prometheus instrumentation for the event pipeline.
//
// All methods are safe on a nil *Metrics, so components can be built
// without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "traceway"

// Outcome labels for EventsTotal besides the drop reasons.
const (
	OutcomeEnqueued = "enqueued"
	OutcomeReceived = "received"
)

// Metrics groups the pipeline collectors registered on one registry.
type Metrics struct {
	// EventsTotal counts processed events.
	// Labels: level, outcome (enqueued, received, level, sampled, vetoed, overflow, closed, internal)
	EventsTotal *prometheus.CounterVec

	// QueueDepth reports the number of buffered events.
	QueueDepth prometheus.Gauge

	// EvictionsTotal counts buffered events evicted to make room for
	// higher priority ones.
	EvictionsTotal prometheus.Counter

	// BatchesTotal counts flushed batches.
	// Labels: mode (sync, async)
	BatchesTotal *prometheus.CounterVec

	// DeliveredTotal counts events handed to a sink without error.
	// Labels: sink
	DeliveredTotal *prometheus.CounterVec

	// SinkErrorsTotal counts failed or panicking sink calls.
	// Labels: sink
	SinkErrorsTotal *prometheus.CounterVec

	// SinkDuration tracks how long a sink takes to accept a batch.
	// Labels: sink
	SinkDuration *prometheus.HistogramVec
}

// New registers the pipeline collectors on reg. A nil registerer uses the
// Prometheus default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "events_total",
				Help:      "Total number of logged events by level and outcome",
			},
			[]string{"level", "outcome"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Number of events waiting in the queue",
			},
		),
		EvictionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "evictions_total",
				Help:      "Total number of low priority events evicted at capacity",
			},
		),
		BatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "batches_total",
				Help:      "Total number of flushed batches by mode",
			},
			[]string{"mode"},
		),
		DeliveredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sink",
				Name:      "delivered_events_total",
				Help:      "Total number of events accepted by each sink",
			},
			[]string{"sink"},
		),
		SinkErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sink",
				Name:      "errors_total",
				Help:      "Total number of failed sink deliveries",
			},
			[]string{"sink"},
		),
		SinkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sink",
				Name:      "send_duration_seconds",
				Help:      "Duration of sink deliveries in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"sink"},
		),
	}
}

// RecordEvent counts one processed event.
func (m *Metrics) RecordEvent(level, outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(level, outcome).Inc()
}

// SetQueueDepth publishes the current buffer length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordEviction counts one evicted event.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.EvictionsTotal.Inc()
}

// RecordBatch counts one flushed batch.
func (m *Metrics) RecordBatch(mode string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(mode).Inc()
}

// RecordDelivery records the outcome of one sink call.
func (m *Metrics) RecordDelivery(sink string, events int, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.SinkDuration.WithLabelValues(sink).Observe(took.Seconds())
	if err != nil {
		m.SinkErrorsTotal.WithLabelValues(sink).Inc()
		return
	}
	m.DeliveredTotal.WithLabelValues(sink).Add(float64(events))
}
