package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	PipelineTransitions *prometheus.CounterVec
	PipelineRuns        *prometheus.CounterVec
	PipelineRetries     *prometheus.CounterVec
	ActiveRuns          *prometheus.GaugeVec
	TaskEvents          *prometheus.CounterVec
	TaskStepLatency     *prometheus.HistogramVec
	TaskStepAttempts    prometheus.Histogram
	SchedulerFires      *prometheus.CounterVec
	AuditDropped        prometheus.Counter
	BackendRequests     *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec

	window *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		PipelineTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_transitions_total",
			Help:      "Committed tool status transitions by edge.",
		}, []string{"from", "to"}),
		PipelineRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		PipelineRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_retries_total",
			Help:      "Transient stage failures retried, by status.",
		}, []string{"status"}),
		ActiveRuns: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runners currently holding an entity, by kind.",
		}, []string{"kind"}),
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		TaskStepLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_step_latency_ms",
			Help:      "Task step latency in milliseconds, by step kind.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
		}, []string{"kind"}),
		TaskStepAttempts: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_step_attempts",
			Help:      "Attempts needed per committed task step.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8},
		}),
		SchedulerFires: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_fires_total",
			Help:      "Schedule fires by outcome.",
		}, []string{"outcome"}),
		AuditDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_dropped_total",
			Help:      "Audit events dropped because the queue was full.",
		}),
		BackendRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_backend_requests_total",
			Help:      "Model backend calls by protocol, operation and outcome.",
		}, []string{"protocol", "op", "outcome"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Live view WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		window: newLatencyWindow(256, map[string]float64{
			"pipeline:GITHUB_URL_VALIDATE": 2000,
			"pipeline:DEPLOYING":           30000,
			"pipeline:FETCHING_TOOLS":      5000,
			"task:model_call":              20000,
		}),
	}
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.PipelineTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObservePipelineRun(outcome string) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(outcome).Inc()
	m.window.CountOutcome("pipeline_" + outcome)
}

func (m *Metrics) ObservePipelineRetry(status string) {
	if m == nil {
		return
	}
	m.PipelineRetries.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveStage(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.window.Observe("pipeline:"+status, float64(d.Milliseconds()))
}

// TrackRun bumps the active gauge and returns the matching decrement.
func (m *Metrics) TrackRun(kind string) func() {
	if m == nil {
		return func() {}
	}
	g := m.ActiveRuns.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
	m.window.CountOutcome("task_" + event)
}

func (m *Metrics) ObserveTaskStep(kind string, d time.Duration, attempts int) {
	if m == nil {
		return
	}
	m.TaskStepLatency.WithLabelValues(kind).Observe(float64(d.Milliseconds()))
	m.TaskStepAttempts.Observe(float64(attempts))
	m.window.Observe("task:"+kind, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSchedulerFire(outcome string) {
	if m == nil {
		return
	}
	m.SchedulerFires.WithLabelValues(outcome).Inc()
	m.window.CountOutcome("schedule_" + outcome)
}

func (m *Metrics) ObserveAuditDrop() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}

func (m *Metrics) ObserveBackendRequest(protocol, op, outcome string) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(protocol, op, outcome).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// LatencySnapshot returns the rolling per-stage latency view for operators.
func (m *Metrics) LatencySnapshot() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
