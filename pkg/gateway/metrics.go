package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes operator-facing gauges and counters for the gateway.
// This is additive observability 
// wire-shipped snapshots; this is the gateway's own health surface), mirroring
// the way the example corpus reaches for client_golang wherever a server has
// any notion of health.
type Metrics struct {
	registry *prometheus.Registry

	nodesConnected  prometheus.Gauge
	tasksCreated    prometheus.Counter
	tasksCompleted  prometheus.Counter
	tasksFailed     prometheus.Counter
	nodeDisconnects prometheus.Counter
	sseSubscribers  prometheus.Gauge
}

// NewMetrics registers a fresh metric set on its own registry so repeated
// Gateway construction in tests never collides with prometheus's default
// global registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		nodesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "openviber_gateway_nodes_connected",
			Help: "Number of node daemons currently connected.",
		}),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openviber_gateway_tasks_created_total",
			Help: "Total tasks submitted.",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openviber_gateway_tasks_completed_total",
			Help: "Total tasks that reached the completed state.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openviber_gateway_tasks_failed_total",
			Help: "Total tasks that reached the error state.",
		}),
		nodeDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openviber_gateway_node_disconnects_total",
			Help: "Total node disconnect events.",
		}),
		sseSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "openviber_gateway_sse_subscribers",
			Help: "Number of currently attached SSE subscribers across all tasks.",
		}),
	}
	reg.MustRegister(m.nodesConnected, m.tasksCreated, m.tasksCompleted,
		m.tasksFailed, m.nodeDisconnects, m.sseSubscribers)
	return m
}

// Registry exposes the underlying prometheus registry for wiring into
// promhttp.HandlerFor on the /metrics route.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
