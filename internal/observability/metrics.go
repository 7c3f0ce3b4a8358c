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
			Namespace: "syncctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"daemon", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "syncctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"daemon", "method", "route", "status"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncctl",
			Subsystem: "link",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions per service.",
		},
		[]string{"service", "from", "to"},
	)
	streamCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncctl",
			Subsystem: "stream",
			Name:      "commands_total",
			Help:      "Device-control commands handed to the transport.",
		},
		[]string{"command", "success"},
	)
	streamReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncctl",
			Subsystem: "stream",
			Name:      "reports_total",
			Help:      "Decoded inbound reports by report ID.",
		},
		[]string{"report_id"},
	)
	ftpOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncctl",
			Subsystem: "ftp",
			Name:      "operations_total",
			Help:      "File-transfer operations by outcome.",
		},
		[]string{"op", "result"},
	)
	ftpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "syncctl",
			Subsystem: "ftp",
			Name:      "operation_duration_seconds",
			Help:      "File-transfer operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			stateTransitions,
			streamCommands, streamReports,
			ftpOps, ftpDuration,
		)
	})
}

// RecordHTTPRequest meters one API request. route is the matched route
// pattern so label cardinality stays bounded.
func RecordHTTPRequest(daemon, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(daemon, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(daemon, method, route, statusLabel).Observe(duration.Seconds())
}

func RecordStateTransition(service, from, to string) {
	RegisterMetrics()
	stateTransitions.WithLabelValues(service, from, to).Inc()
}

func RecordStreamCommand(command string, success bool) {
	RegisterMetrics()
	streamCommands.WithLabelValues(command, strconv.FormatBool(success)).Inc()
}

func RecordStreamReport(reportID byte) {
	RegisterMetrics()
	streamReports.WithLabelValues(strconv.Itoa(int(reportID))).Inc()
}

func RecordFTPOp(op, result string, duration time.Duration) {
	RegisterMetrics()
	ftpOps.WithLabelValues(op, result).Inc()
	ftpDuration.WithLabelValues(op, result).Observe(duration.Seconds())
}
