// Package prometheus exposes grainflow runtime metrics on a dedicated
// registry: transitions, persistence, saga runs, and batch dispatches.
package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the registry the package-level helpers write to.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer tags every metric with the service label.
	DefaultRegisterer = prometheus.WrapRegistererWith(
		prometheus.Labels{"service": "grainflow"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics is the grainflow metric set.
type Metrics struct {
	// Transition metrics.
	TransitionsTotal   *prometheus.CounterVec
	TransitionErrors   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec

	// Entity lifecycle.
	ActiveEntities prometheus.Gauge
	ReplayedEvents prometheus.Histogram
	SnapshotsTotal *prometheus.CounterVec

	// Event log persistence.
	AppendDuration *prometheus.HistogramVec

	// Saga metrics.
	SagaRunsTotal    *prometheus.CounterVec
	SagaDuration     *prometheus.HistogramVec
	SagaCompensations prometheus.Counter

	// Batch metrics.
	BatchItemsTotal *prometheus.CounterVec
	BatchDuration   prometheus.Histogram

	// Stream metrics.
	StreamPublishTotal *prometheus.CounterVec

	customCounters   map[string]*prometheus.CounterVec
	customGauges     map[string]*prometheus.GaugeVec
	customHistograms map[string]*prometheus.HistogramVec
	customMu         sync.RWMutex

	registerer prometheus.Registerer
}

// GetMetrics returns the process-wide metric set on the default registry.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics builds the metric set against a registerer. Tests pass their
// own registry to stay isolated.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	return &Metrics{
		TransitionsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "grainflow_transitions_total",
				Help: "Confirmed state transitions",
			},
			[]string{"grain_type", "trigger"},
		),
		TransitionErrors: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "grainflow_transition_errors_total",
				Help: "Rejected or failed fire calls",
			},
			[]string{"grain_type", "code"},
		),
		TransitionDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grainflow_transition_duration_seconds",
				Help:    "Fire call duration including persistence",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"grain_type"},
		),
		ActiveEntities: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "grainflow_active_entities",
				Help: "Currently activated entity adapters",
			},
		),
		ReplayedEvents: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "grainflow_replayed_events",
				Help:    "Events replayed per activation",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		SnapshotsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "grainflow_snapshots_total",
				Help: "Snapshots written, by outcome",
			},
			[]string{"outcome"},
		),
		AppendDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grainflow_append_duration_seconds",
				Help:    "Event append duration by store backend",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"backend"},
		),
		SagaRunsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "grainflow_saga_runs_total",
				Help: "Saga runs by terminal status",
			},
			[]string{"saga", "status"},
		),
		SagaDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grainflow_saga_duration_seconds",
				Help:    "Saga run duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"saga"},
		),
		SagaCompensations: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "grainflow_saga_compensations_total",
				Help: "Compensation invocations",
			},
		),
		BatchItemsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "grainflow_batch_items_total",
				Help: "Batch items by outcome",
			},
			[]string{"outcome"},
		),
		BatchDuration: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "grainflow_batch_duration_seconds",
				Help:    "Whole-batch duration",
				Buckets: prometheus.DefBuckets,
			},
		),
		StreamPublishTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "grainflow_stream_publish_total",
				Help: "Events published to the stream, by outcome",
			},
			[]string{"outcome"},
		),

		customCounters:   make(map[string]*prometheus.CounterVec),
		customGauges:     make(map[string]*prometheus.GaugeVec),
		customHistograms: make(map[string]*prometheus.HistogramVec),
		registerer:       registerer,
	}
}

// RecordTransition records one confirmed transition.
func (m *Metrics) RecordTransition(grainType, trigger string, duration time.Duration) {
	m.TransitionsTotal.WithLabelValues(grainType, trigger).Inc()
	m.TransitionDuration.WithLabelValues(grainType).Observe(duration.Seconds())
}

// RecordTransitionError records one rejected or failed fire.
func (m *Metrics) RecordTransitionError(grainType, code string) {
	m.TransitionErrors.WithLabelValues(grainType, code).Inc()
}

// RecordSagaRun records a finished saga run.
func (m *Metrics) RecordSagaRun(saga, status string, duration time.Duration, compensations int) {
	m.SagaRunsTotal.WithLabelValues(saga, status).Inc()
	m.SagaDuration.WithLabelValues(saga).Observe(duration.Seconds())
	if compensations > 0 {
		m.SagaCompensations.Add(float64(compensations))
	}
}

// RecordBatch records a finished batch run.
func (m *Metrics) RecordBatch(success, failed, skipped int, duration time.Duration) {
	m.BatchItemsTotal.WithLabelValues("success").Add(float64(success))
	m.BatchItemsTotal.WithLabelValues("failure").Add(float64(failed))
	m.BatchItemsTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.BatchDuration.Observe(duration.Seconds())
}

// Counter returns a registered custom counter, creating it on first use.
func (m *Metrics) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	m.customMu.RLock()
	if c, ok := m.customCounters[name]; ok {
		m.customMu.RUnlock()
		return c
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()
	if c, ok := m.customCounters[name]; ok {
		return c
	}
	c := promauto.With(m.registerer).NewCounterVec(
		prometheus.CounterOpts{Name: name, Help: help}, labels)
	m.customCounters[name] = c
	return c
}

// Gauge returns a registered custom gauge, creating it on first use.
func (m *Metrics) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	m.customMu.RLock()
	if g, ok := m.customGauges[name]; ok {
		m.customMu.RUnlock()
		return g
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()
	if g, ok := m.customGauges[name]; ok {
		return g
	}
	g := promauto.With(m.registerer).NewGaugeVec(
		prometheus.GaugeOpts{Name: name, Help: help}, labels)
	m.customGauges[name] = g
	return g
}

// Histogram returns a registered custom histogram, creating it on first use.
func (m *Metrics) Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	m.customMu.RLock()
	if h, ok := m.customHistograms[name]; ok {
		m.customMu.RUnlock()
		return h
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()
	if h, ok := m.customHistograms[name]; ok {
		return h
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	h := promauto.With(m.registerer).NewHistogramVec(
		prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	m.customHistograms[name] = h
	return h
}
