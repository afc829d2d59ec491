// Package metrics exposes the hub's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every hub collector on one registry.
type Metrics struct {
	registry *prometheus.Registry

	ProbesTotal       *prometheus.CounterVec
	ProbeDuration     *prometheus.HistogramVec
	ToolCallsTotal    *prometheus.CounterVec
	IntegrationsTotal *prometheus.CounterVec
	AgentsConnected   prometheus.GaugeFunc
}

// New builds the registry and collectors. connectedAgents is sampled on
// every scrape.
func New(connectedAgents func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{registry: reg}
	m.ProbesTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "sonde_probes_total",
			Help: "Probe invocations by target type and terminal status.",
		},
		[]string{"target_type", "status"},
	)
	m.ProbeDuration = promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sonde_probe_duration_seconds",
			Help:    "Probe round-trip latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"target_type"},
	)
	m.ToolCallsTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "sonde_mcp_tool_calls_total",
			Help: "MCP tool invocations by tool name and outcome.",
		},
		[]string{"tool", "outcome"},
	)
	m.IntegrationsTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "sonde_integration_requests_total",
			Help: "Upstream integration requests by integration and outcome.",
		},
		[]string{"integration", "outcome"},
	)
	m.AgentsConnected = promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "sonde_agents_connected",
			Help: "Agents currently holding a live WebSocket connection.",
		},
		func() float64 { return float64(connectedAgents()) },
	)
	return m
}

// ObserveProbe records one probe invocation.
func (m *Metrics) ObserveProbe(targetType, status string, seconds float64) {
	m.ProbesTotal.WithLabelValues(targetType, status).Inc()
	m.ProbeDuration.WithLabelValues(targetType).Observe(seconds)
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
