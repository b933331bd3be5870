package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all crackerjack metrics
const namespace = "crackerjack"

// HTTP metrics
var (
	// HTTPRequestsTotal tracks total HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// PanicsTotal tracks recovered panics per path
	PanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "panics_total",
			Help:      "Total number of recovered panics",
		},
		[]string{"path"},
	)
)

// Job metrics
var (
	// JobsActive tracks jobs currently holding slots
	JobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Number of jobs currently holding execution slots",
		},
	)

	// JobsStartedTotal tracks total jobs admitted
	JobsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "started_total",
			Help:      "Total number of jobs admitted",
		},
	)

	// JobsCompletedTotal tracks job outcomes
	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Total number of jobs finished, by outcome",
		},
		[]string{"status"},
	)

	// JobsReapedTotal tracks stalled jobs rewritten by the timeout loop
	JobsReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "reaped_total",
			Help:      "Total number of stalled jobs marked failed",
		},
	)
)

// Progress metrics
var (
	// SnapshotsWrittenTotal tracks progress snapshot writes
	SnapshotsWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "snapshots_written_total",
			Help:      "Total number of progress snapshots written",
		},
	)

	// ProgressEventsDropped tracks events dropped by the bounded queue
	ProgressEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "events_dropped_total",
			Help:      "Total number of progress events dropped under backpressure",
		},
	)

	// BroadcastFailuresTotal tracks subscriber sends that failed or timed out
	BroadcastFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "broadcast_failures_total",
			Help:      "Total number of failed snapshot broadcasts",
		},
	)
)

// WebSocket metrics
var (
	// WSConnectionsActive tracks open WebSocket connections
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_active",
			Help:      "Number of open WebSocket connections",
		},
	)

	// WSConnectionsTotal tracks accepted connections
	WSConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total number of accepted WebSocket connections",
		},
	)

	// WSRejectionsTotal tracks refused upgrades by reason
	WSRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rejections_total",
			Help:      "Total number of refused WebSocket connections",
		},
		[]string{"reason"},
	)
)

// Admission metrics
var (
	// RateLimitRejectionsTotal tracks rate-limit denials by window
	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total number of rate-limited requests",
		},
		[]string{"reason"},
	)

	// ToolCallsTotal tracks MCP tool invocations by outcome
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mcp",
			Name:      "tool_calls_total",
			Help:      "Total number of MCP tool calls",
		},
		[]string{"tool", "result"},
	)

	// ToolCallDuration tracks tool latency
	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mcp",
			Name:      "tool_call_duration_seconds",
			Help:      "MCP tool call latency in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.25, 1, 5, 30, 120, 600},
		},
		[]string{"tool"},
	)
)

// PrometheusMiddleware returns an echo middleware recording request metrics
func PrometheusMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := strconv.Itoa(c.Response().Status)
			path := c.Path()
			method := c.Request().Method

			HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
			HTTPRequestDuration.WithLabelValues(method, path, status).
				Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// RecordPanic records a recovered panic for a path
func RecordPanic(path string) {
	PanicsTotal.WithLabelValues(path).Inc()
}

// RecordToolCall records one MCP tool invocation
func RecordToolCall(tool, result string, duration time.Duration) {
	ToolCallsTotal.WithLabelValues(tool, result).Inc()
	ToolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}
