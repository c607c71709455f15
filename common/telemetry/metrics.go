package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chainworks/cascade/common/models"
)

// EngineMetrics implements the engine's metrics hooks on Prometheus collectors
type EngineMetrics struct {
	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	nodesFinished      *prometheus.CounterVec
	nodeDuration       prometheus.Histogram
	activeSessions     prometheus.Gauge
}

// NewEngineMetrics creates the engine collectors and registers them
func NewEngineMetrics(registry *prometheus.Registry) *EngineMetrics {
	m := &EngineMetrics{
		executionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Name:      "executions_started_total",
			Help:      "Total number of admitted workflow executions",
		}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Name:      "executions_finished_total",
			Help:      "Workflow executions by final status",
		}, []string{"status"}),
		nodesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Name:      "node_executions_total",
			Help:      "Node executions by terminal status",
		}, []string{"status"}),
		nodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cascade",
			Name:      "node_execution_duration_seconds",
			Help:      "Duration of node executions in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cascade",
			Name:      "active_sessions",
			Help:      "Number of live execution sessions",
		}),
	}

	registry.MustRegister(
		m.executionsStarted,
		m.executionsFinished,
		m.nodesFinished,
		m.nodeDuration,
		m.activeSessions,
	)

	return m
}

// ExecutionStarted counts an admitted execution
func (m *EngineMetrics) ExecutionStarted() {
	m.executionsStarted.Inc()
}

// ExecutionFinished counts a finalized execution by status
func (m *EngineMetrics) ExecutionFinished(status models.ExecutionStatus) {
	m.executionsFinished.WithLabelValues(string(status)).Inc()
}

// NodeFinished counts a terminal node and observes its duration
func (m *EngineMetrics) NodeFinished(status models.NodeExecutionStatus, duration time.Duration) {
	m.nodesFinished.WithLabelValues(string(status)).Inc()
	if duration > 0 {
		m.nodeDuration.Observe(duration.Seconds())
	}
}

// ActiveSessions reports the live session count
func (m *EngineMetrics) ActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}
