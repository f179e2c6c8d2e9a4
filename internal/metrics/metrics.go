// Package metrics exposes Prometheus metrics for the pipeline, the flow engine and the scheduler.
//
// All Record methods are safe to call on a nil *Metrics, so components can take metrics optionally.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for FlowPipe.
type Metrics struct {
	// Pipeline metrics
	pipelineDecisions *prometheus.CounterVec
	pipelineDuration  prometheus.Histogram
	handoffs          *prometheus.CounterVec

	// Flow engine metrics
	nodeExecutions *prometheus.CounterVec
	actions        *prometheus.CounterVec
	flowTriggers   *prometheus.CounterVec
	boundsExceeded *prometheus.CounterVec

	// Scheduler metrics
	executionsScheduled prometheus.Counter
	executionsFinished  *prometheus.CounterVec
	tickDuration        prometheus.Histogram

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a metrics instance backed by its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		pipelineDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowpipe_pipeline_decisions_total",
				Help: "Inbound messages by final pipeline reason and handled flag",
			},
			[]string{"reason", "handled"},
		),
		pipelineDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flowpipe_pipeline_duration_seconds",
				Help:    "Time spent handling one inbound message",
				Buckets: prometheus.DefBuckets,
			},
		),
		handoffs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowpipe_handoffs_total",
				Help: "Conversations handed to a human by reason",
			},
			[]string{"reason"},
		),
		nodeExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowpipe_node_executions_total",
				Help: "Flow nodes executed by node type",
			},
			[]string{"node_type"},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowpipe_actions_total",
				Help: "Node actions executed by action type and outcome",
			},
			[]string{"action_type", "status"},
		),
		flowTriggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowpipe_flow_triggers_total",
				Help: "Flows started by a global trigger match",
			},
			[]string{"flow_id"},
		),
		boundsExceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowpipe_execution_bounds_exceeded_total",
				Help: "Node chains aborted by the depth or cycle bound",
			},
			[]string{"reason"},
		),
		executionsScheduled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowpipe_scheduled_executions_created_total",
				Help: "Delayed continuations persisted",
			},
		),
		executionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowpipe_scheduled_executions_finished_total",
				Help: "Delayed continuations by terminal status",
			},
			[]string{"status"},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flowpipe_scheduler_tick_duration_seconds",
				Help:    "Duration of one scheduler tick",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
		),
		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowpipe_config_reloads_total",
				Help: "Flow definition reload attempts by status",
			},
			[]string{"status"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowpipe_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowpipe_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.pipelineDecisions,
		m.pipelineDuration,
		m.handoffs,
		m.nodeExecutions,
		m.actions,
		m.flowTriggers,
		m.boundsExceeded,
		m.executionsScheduled,
		m.executionsFinished,
		m.tickDuration,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)
	return m
}

// RecordPipeline records the outcome of one Pipeline.Handle call.
func (m *Metrics) RecordPipeline(reason string, handled bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.pipelineDecisions.WithLabelValues(reason, strconv.FormatBool(handled)).Inc()
	m.pipelineDuration.Observe(duration.Seconds())
}

// RecordHandoff records a transition to human mode.
func (m *Metrics) RecordHandoff(reason string) {
	if m == nil {
		return
	}
	m.handoffs.WithLabelValues(reason).Inc()
}

// RecordNode records one node execution.
func (m *Metrics) RecordNode(nodeType string) {
	if m == nil {
		return
	}
	m.nodeExecutions.WithLabelValues(nodeType).Inc()
}

// RecordAction records one action execution. status is "ok" or "error".
func (m *Metrics) RecordAction(actionType, status string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(actionType, status).Inc()
}

// RecordFlowTrigger records a flow started by a trigger match.
func (m *Metrics) RecordFlowTrigger(flowID string) {
	if m == nil {
		return
	}
	m.flowTriggers.WithLabelValues(flowID).Inc()
}

// RecordBoundExceeded records an aborted node chain.
func (m *Metrics) RecordBoundExceeded(reason string) {
	if m == nil {
		return
	}
	m.boundsExceeded.WithLabelValues(reason).Inc()
}

// RecordScheduled records a newly persisted delayed continuation.
func (m *Metrics) RecordScheduled() {
	if m == nil {
		return
	}
	m.executionsScheduled.Inc()
}

// RecordExecutionFinished records a delayed continuation reaching a terminal status.
func (m *Metrics) RecordExecutionFinished(status string) {
	if m == nil {
		return
	}
	m.executionsFinished.WithLabelValues(status).Inc()
}

// RecordTick records the duration of one scheduler tick.
func (m *Metrics) RecordTick(duration time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(duration.Seconds())
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request counts and latency for next.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// endpointName keeps label cardinality bounded by collapsing path parameters.
func endpointName(path string) string {
	switch {
	case path == "/healthz":
		return "healthz"
	case path == "/metrics":
		return "metrics"
	case path == "/webhook":
		return "webhook"
	case path == "/scheduled-executions":
		return "scheduled_executions"
	case strings.HasPrefix(path, "/conversations/") && strings.HasSuffix(path, "/return-to-bot"):
		return "return_to_bot"
	default:
		return "unknown"
	}
}
