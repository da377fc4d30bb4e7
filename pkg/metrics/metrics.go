// Package metrics exposes Prometheus instruments for the streaming service.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "uwb"

// Cycle outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeNoData = "no_data"
	OutcomeError  = "error"
	OutcomePanic  = "panic"
)

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive prometheus.Gauge
	streamsStarted prometheus.Counter
	streamsStopped prometheus.Counter
	cycles         *prometheus.CounterVec
	passDuration   prometheus.Histogram
	tags           *prometheus.CounterVec
	skipped        *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected websocket sessions.",
		}),
		streamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_started_total",
			Help:      "Total visualization streams started.",
		}),
		streamsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_stopped_total",
			Help:      "Total visualization streams stopped.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total estimation cycles by outcome.",
		}, []string{"outcome"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Histogram of estimation pass durations.",
			Buckets:   prometheus.DefBuckets,
		}),
		tags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tags_estimated_total",
			Help:      "Total tag estimates by status.",
		}, []string{"status"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_records_total",
			Help:      "Total raw records skipped by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsActive,
		m.streamsStarted,
		m.streamsStopped,
		m.cycles,
		m.passDuration,
		m.tags,
		m.skipped,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.streamsStarted.Inc()
}

func (m *Metrics) StreamStopped() {
	if m == nil {
		return
	}
	m.streamsStopped.Inc()
}

// Cycle records one estimation cycle.
func (m *Metrics) Cycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.passDuration.Observe(d.Seconds())
}

// Tags records the estimates produced by one pass.
func (m *Metrics) Tags(ok, failed int) {
	if m == nil {
		return
	}
	m.tags.WithLabelValues("ok").Add(float64(ok))
	m.tags.WithLabelValues("failed").Add(float64(failed))
}

// Skipped records n malformed records rejected for reason.
func (m *Metrics) Skipped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.skipped.WithLabelValues(reason).Add(float64(n))
}
