// Package metrics provides Prometheus instrumentation for flag evaluation.
//
// Collectors are registered on a caller-supplied registerer so that an
// application controls which registry is exposed on its /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used for flag evaluation.
type Metrics struct {
	EvaluationsTotal    *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec
	EvaluationDuration  *prometheus.HistogramVec
	ProviderEventsTotal *prometheus.CounterVec
}

// New creates the evaluation metrics and registers them in reg. A nil reg
// uses a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flageval_evaluations_total",
			Help: "Total number of successful flag evaluations.",
		}, []string{"flag_key", "reason", "variant"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flageval_evaluation_errors_total",
			Help: "Total number of failed flag evaluations.",
		}, []string{"flag_key", "error_code"}),

		EvaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flageval_evaluation_duration_seconds",
			Help:    "Flag evaluation latency in seconds, hooks included.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"flag_key"}),

		ProviderEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flageval_provider_events_total",
			Help: "Total number of provider lifecycle events.",
		}, []string{"provider", "event"}),
	}

	reg.MustRegister(
		m.EvaluationsTotal,
		m.ErrorsTotal,
		m.EvaluationDuration,
		m.ProviderEventsTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordEvaluation increments the evaluation counter.
func (m *Metrics) RecordEvaluation(key, reason, variant string) {
	m.EvaluationsTotal.WithLabelValues(key, reason, variant).Inc()
}

// RecordError increments the error counter for code.
func (m *Metrics) RecordError(key, code string) {
	m.ErrorsTotal.WithLabelValues(key, code).Inc()
}

// ObserveDuration records one evaluation latency.
func (m *Metrics) ObserveDuration(key string, seconds float64) {
	m.EvaluationDuration.WithLabelValues(key).Observe(seconds)
}

// RecordProviderEvent increments the provider event counter.
func (m *Metrics) RecordProviderEvent(provider, event string) {
	m.ProviderEventsTotal.WithLabelValues(provider, event).Inc()
}
