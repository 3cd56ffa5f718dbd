// Package metrics holds the Prometheus collectors for the fulfillment saga.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "installdesk"

// Metrics is registered on its own registry so tests can build as many as
// they like.
type Metrics struct {
	Registry     *prometheus.Registry
	Outcomes     *prometheus.CounterVec
	StepFailures *prometheus.CounterVec
	PollDuration prometheus.Histogram
	InFlight     prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "outcomes_total",
			Help:      "Sagas that stopped, by resulting request status.",
		}, []string{"status"}),
		StepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "step_failures_total",
			Help:      "Saga step failures by step.",
		}, []string{"step"}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "poll_duration_seconds",
			Help:      "Time from job trigger to a final execution state.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 900, 1800, 3600},
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "in_flight",
			Help:      "Sagas currently running.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// The methods below accept a nil receiver so callers need not check.

func (m *Metrics) Outcome(status string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) StepFailed(step string) {
	if m == nil {
		return
	}
	m.StepFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) ObservePoll(seconds float64) {
	if m == nil {
		return
	}
	m.PollDuration.Observe(seconds)
}

func (m *Metrics) SagaStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) SagaDone() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}
