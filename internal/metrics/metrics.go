package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	LogsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logpulse_logs_ingested_total",
			Help: "Total number of log lines accepted for ingestion",
		},
	)

	PipelineInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logpulse_pipeline_in_flight",
			Help: "Number of log lines waiting for or undergoing classification",
		},
	)

	// Classifier metrics
	Classifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpulse_classifications_total",
			Help: "Classification outcomes (ok or fallback)",
		},
		[]string{"outcome"},
	)

	ClassificationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logpulse_classification_duration_seconds",
			Help:    "Latency of classification calls, including fallbacks",
			Buckets: prometheus.DefBuckets,
		},
	)

	Suggestions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpulse_fix_suggestions_total",
			Help: "Fix suggestion outcomes (ok or none)",
		},
		[]string{"outcome"},
	)

	// Auto-fix metrics
	Fixes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpulse_fixes_total",
			Help: "Fix records by status they entered",
		},
		[]string{"status"},
	)

	// Connection metrics
	Connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logpulse_connections",
			Help: "Registered websocket connections by role",
		},
		[]string{"role"},
	)

	Deliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logpulse_broadcast_deliveries_total",
			Help: "Events handed to viewer connections",
		},
	)

	DeliveriesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logpulse_broadcast_dropped_total",
			Help: "Events not delivered because the viewer was closed or too slow",
		},
	)

	// Archive metrics
	ArchiveWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpulse_archive_writes_total",
			Help: "Documents written to the archive by result",
		},
		[]string{"kind", "result"},
	)

	// HTTP metrics
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpulse_http_requests_total",
			Help: "HTTP requests by method and status code",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logpulse_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

const (
	RoleAgent  = "agent"
	RoleViewer = "viewer"
)

func init() {
	prometheus.MustRegister(LogsIngested)
	prometheus.MustRegister(PipelineInFlight)
	prometheus.MustRegister(Classifications)
	prometheus.MustRegister(ClassificationDuration)
	prometheus.MustRegister(Suggestions)
	prometheus.MustRegister(Fixes)
	prometheus.MustRegister(Connections)
	prometheus.MustRegister(Deliveries)
	prometheus.MustRegister(DeliveriesDropped)
	prometheus.MustRegister(ArchiveWrites)
	prometheus.MustRegister(HTTPRequests)
	prometheus.MustRegister(HTTPRequestDuration)
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
