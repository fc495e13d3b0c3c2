package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statebridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"process", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "statebridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"process", "method", "path", "status"},
	)
	subsystemInits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statebridge",
			Subsystem: "bootstrap",
			Name:      "subsystem_results_total",
			Help:      "Subsystem initialization results by final status.",
		},
		[]string{"subsystem", "criticality", "status"},
	)
	subsystemDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "statebridge",
			Subsystem: "bootstrap",
			Name:      "subsystem_init_seconds",
			Help:      "Subsystem init function duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"subsystem", "criticality"},
	)
	handoffPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statebridge",
			Subsystem: "handoff",
			Name:      "publishes_total",
			Help:      "Attribute publishes by result (written, unchanged, conflict).",
		},
		[]string{"result"},
	)
	handoffAwaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statebridge",
			Subsystem: "handoff",
			Name:      "awaits_total",
			Help:      "Reader awaits by delivery path (attribute, event, poll, timeout, canceled).",
		},
		[]string{"path"},
	)
	handoffAwaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "statebridge",
			Subsystem: "handoff",
			Name:      "await_seconds",
			Help:      "Reader await latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path"},
	)
	diagnosticsRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "statebridge",
			Subsystem: "diagnostics",
			Name:      "records_total",
			Help:      "Diagnostics records by source and severity.",
		},
		[]string{"source", "severity"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			subsystemInits,
			subsystemDuration,
			handoffPublishes,
			handoffAwaits,
			handoffAwaitDuration,
			diagnosticsRecords,
		)
	})
}

func RecordHTTPRequest(process, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(process, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(process, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSubsystemInit(subsystem, criticality, status string, duration time.Duration) {
	RegisterMetrics()
	subsystemInits.WithLabelValues(subsystem, criticality, status).Inc()
	if duration > 0 {
		subsystemDuration.WithLabelValues(subsystem, criticality).Observe(duration.Seconds())
	}
}

func RecordPublish(result string) {
	RegisterMetrics()
	handoffPublishes.WithLabelValues(result).Inc()
}

func RecordAwait(path string, duration time.Duration) {
	RegisterMetrics()
	handoffAwaits.WithLabelValues(path).Inc()
	handoffAwaitDuration.WithLabelValues(path).Observe(duration.Seconds())
}

func RecordDiagnostic(source, severity string) {
	RegisterMetrics()
	diagnosticsRecords.WithLabelValues(source, severity).Inc()
}
