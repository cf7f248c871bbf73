package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. All methods
// are safe on a nil receiver.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	QueueDepth        prometheus.Gauge
	ItemsEnqueued     *prometheus.CounterVec
	ItemOutcomes      *prometheus.CounterVec
	ProcessingLatency prometheus.Histogram
	RecoverySweeps    *prometheus.CounterVec
	RecoveredSessions prometheus.Counter
	ConsumerTeardowns *prometheus.CounterVec
	StreamSubscribers prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics registers the instruments on reg. A nil reg uses a fresh
// registry, which keeps tests from colliding on the default one.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions with an in-memory consumer record.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending plus processing queue items across all sessions.",
		}),
		ItemsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_enqueued_total",
			Help:      "Queue items persisted by kind.",
		}, []string{"kind"}),
		ItemOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_outcomes_total",
			Help:      "Processed queue items by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ProcessingLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "item_processing_ms",
			Help:      "Worker latency per claimed item in milliseconds.",
			Buckets:   []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
		}),
		RecoverySweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_sweeps_total",
			Help:      "Orphan recovery sweeps by trigger.",
		}, []string{"trigger"}),
		RecoveredSessions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_sessions_total",
			Help:      "Consumers started by recovery sweeps.",
		}),
		ConsumerTeardowns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_teardowns_total",
			Help:      "Consumer loops torn down after an unexpected error, by cause.",
		}, []string{"cause"}),
		StreamSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_stream_subscribers",
			Help:      "Connected activity stream clients.",
		}),
		gatherer: reg,
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) IncEnqueued(kind string) {
	if m == nil {
		return
	}
	m.ItemsEnqueued.WithLabelValues(kind).Inc()
}

// ObserveItem records one worker outcome and its latency.
func (m *Metrics) ObserveItem(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ItemOutcomes.WithLabelValues(kind, outcome).Inc()
	m.ProcessingLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveRecovery(trigger string, started int) {
	if m == nil {
		return
	}
	m.RecoverySweeps.WithLabelValues(trigger).Inc()
	m.RecoveredSessions.Add(float64(started))
}

func (m *Metrics) IncTeardown(cause string) {
	if m == nil {
		return
	}
	m.ConsumerTeardowns.WithLabelValues(cause).Inc()
}

func (m *Metrics) AddStreamSubscribers(delta int) {
	if m == nil {
		return
	}
	m.StreamSubscribers.Add(float64(delta))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
