package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixiplug_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fixiplug_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fixiplug_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixiplug_dispatch_total",
			Help: "Total number of hook dispatches",
		},
		[]string{"hook"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fixiplug_dispatch_duration_seconds",
			Help:    "Hook dispatch latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"hook"},
	)

	dispatchRefused = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixiplug_dispatch_refused_total",
			Help: "Dispatches refused because the hook was already running in the call chain",
		},
		[]string{"hook"},
	)

	handlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixiplug_handler_failures_total",
			Help: "Total number of failed handler invocations",
		},
		[]string{"plugin", "hook"},
	)

	emitQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fixiplug_emit_queued_total",
			Help: "Total number of deferred emissions accepted",
		},
	)

	emitDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixiplug_emit_dropped_total",
			Help: "Total number of deferred emissions dropped",
		},
		[]string{"reason"},
	)

	emitQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fixiplug_emit_queue_depth",
			Help: "Number of emissions waiting in the deferred queue",
		},
	)

	stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixiplug_state_transitions_total",
			Help: "Total number of state transitions",
		},
		[]string{"from", "to"},
	)

	stateWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fixiplug_state_waiters",
			Help: "Number of pending waitForState calls",
		},
	)

	stateWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixiplug_state_waits_total",
			Help: "Total number of finished waitForState calls",
		},
		[]string{"outcome"},
	)

	realtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fixiplug_realtime_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	realtimeDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fixiplug_realtime_dropped_total",
			Help: "Messages dropped because a client send buffer was full",
		},
	)

	scheduleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fixiplug_schedule_runs_total",
			Help: "Total number of scheduled emissions",
		},
		[]string{"schedule", "status"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func IncrementInFlight() {
	httpRequestsInFlight.Inc()
}

func DecrementInFlight() {
	httpRequestsInFlight.Dec()
}

func UpdateRealtimeConnections(connections int) {
	realtimeConnections.Set(float64(connections))
}

func RecordRealtimeDrop() {
	realtimeDropped.Inc()
}

func RecordScheduleRun(schedule string, queued bool) {
	status := "queued"
	if !queued {
		status = "dropped"
	}
	scheduleRuns.WithLabelValues(schedule, status).Inc()
}

// NormalizePath collapses the variable segment of API routes so label
// cardinality stays bounded.
func NormalizePath(path string) string {
	for _, prefix := range []string{"/api/dispatch/", "/api/emit/", "/api/plugins/"} {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || rest == "" {
			continue
		}
		if prefix == "/api/plugins/" {
			if _, action, found := strings.Cut(rest, "/"); found {
				return prefix + ":name/" + action
			}
			return prefix + ":name"
		}
		return prefix + ":hook"
	}
	if len(path) > 100 {
		path = path[:100]
	}
	return path
}
