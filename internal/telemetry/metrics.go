// Package telemetry holds the Prometheus metrics exported by the engine. A
// nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "promptgrid"

// Metrics groups the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	submissions   *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	inFlight      prometheus.Gauge
	pushConnected prometheus.Gauge
	reconnects    *prometheus.CounterVec
	pullCycles    *prometheus.CounterVec
	artifacts     *prometheus.CounterVec
}

// New creates the metrics and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "submitter",
				Name:      "submissions_total",
				Help:      "prompt submissions by outcome",
			}, []string{"outcome"}),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "resolutions_total",
				Help:      "jobs resolved to a terminal state, by state and winning signal",
			}, []string{"state", "source"}),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "jobs_in_flight",
				Help:      "jobs currently tracked and not yet terminal",
			}),
		pushConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "push_connected",
				Help:      "1 while the push channel is open",
			}),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "push_reconnects_total",
				Help:      "push channel reconnection attempts by outcome",
			}, []string{"outcome"}),
		pullCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "pull_cycles_total",
				Help:      "queue polls by outcome",
			}, []string{"outcome"}),
		artifacts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "artifacts",
				Name:      "downloads_total",
				Help:      "artifact downloads by outcome",
			}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.submissions,
		m.resolutions,
		m.inFlight,
		m.pushConnected,
		m.reconnects,
		m.pullCycles,
		m.artifacts,
	)
	return m
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Submission counts one submission outcome: accepted, rejected or
// unavailable.
func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// Resolution counts a job reaching a terminal state.
func (m *Metrics) Resolution(state, source string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(state, source).Inc()
}

// SetInFlight sets the number of in-flight jobs.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

// SetPushConnected records the push channel's state.
func (m *Metrics) SetPushConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.pushConnected.Set(1)
		return
	}
	m.pushConnected.Set(0)
}

// Reconnect counts a reconnection attempt: ok or failed.
func (m *Metrics) Reconnect(outcome string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(outcome).Inc()
}

// PullCycle counts a queue poll: ok or failed.
func (m *Metrics) PullCycle(outcome string) {
	if m == nil {
		return
	}
	m.pullCycles.WithLabelValues(outcome).Inc()
}

// Artifact counts an artifact download: ok or failed.
func (m *Metrics) Artifact(outcome string) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(outcome).Inc()
}
