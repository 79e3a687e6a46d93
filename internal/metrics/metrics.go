// Package metrics exposes prometheus collectors for the plugin host.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the host's collectors and the registry they belong to.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	transitions  *prometheus.CounterVec
	hookDuration *prometheus.HistogramVec
	decisions    *prometheus.CounterVec
	plugins      *prometheus.GaugeVec
	events       *prometheus.CounterVec
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_transitions_total",
				Help: "Lifecycle transitions attempted, by plugin, transition and result.",
			},
			[]string{"plugin", "transition", "result"},
		),
		hookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pluginhost_hook_duration_seconds",
				Help:    "Time spent in plugin lifecycle hooks.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"hook"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_permission_decisions_total",
				Help: "Permission evaluations, by owning plugin and result.",
			},
			[]string{"plugin", "result"},
		),
		plugins: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pluginhost_plugins",
				Help: "Number of registered plugins by lifecycle state.",
			},
			[]string{"state"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_lifecycle_events_total",
				Help: "Lifecycle events published, by kind.",
			},
			[]string{"kind"},
		),
	}

	m.registry.MustRegister(
		m.transitions,
		m.hookDuration,
		m.decisions,
		m.plugins,
		m.events,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Transition counts a lifecycle transition attempt.
func (m *Metrics) Transition(plugin, transition string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.transitions.WithLabelValues(plugin, transition, result).Inc()
}

// ObserveHook records how long a hook ran.
func (m *Metrics) ObserveHook(hook string, d time.Duration) {
	if m == nil {
		return
	}
	m.hookDuration.WithLabelValues(hook).Observe(d.Seconds())
}

// PermissionDecision counts an allow or deny.
func (m *Metrics) PermissionDecision(plugin string, allowed bool) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.decisions.WithLabelValues(plugin, result).Inc()
}

// SetPluginStates replaces the per-state plugin gauge.
func (m *Metrics) SetPluginStates(counts map[string]int) {
	if m == nil {
		return
	}
	m.plugins.Reset()
	for state, n := range counts {
		m.plugins.WithLabelValues(state).Set(float64(n))
	}
}

// Event counts a published lifecycle event.
func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}
