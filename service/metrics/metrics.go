package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Upstream quota metrics
	upstreamAcquireTotal    *prometheus.CounterVec
	upstreamAcquireWait     prometheus.Histogram
	upstreamWindowInUse     prometheus.Gauge
	upstreamDailyUsed       prometheus.Gauge
	upstreamRequestsTotal   *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec

	// Reconciliation metrics
	recordsProcessedTotal *prometheus.CounterVec
	timeFallbacksTotal    *prometheus.CounterVec
	unknownStatusTotal    *prometheus.CounterVec

	// Sync metrics
	syncDuration      *prometheus.HistogramVec
	syncRunsTotal     *prometheus.CounterVec
	syncPagesFetched  *prometheus.CounterVec
	syncActivityTotal *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		upstreamAcquireTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_acquire_total",
				Help: "Total number of upstream quota acquisitions by result (granted, daily_exhausted, cancelled)",
			},
			[]string{"result"},
		),
		upstreamAcquireWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "upstream_acquire_wait_seconds",
				Help:    "Time spent waiting for a slot in the per-minute window",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
		),
		upstreamWindowInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "upstream_window_in_use",
				Help: "Requests recorded in the trailing 60 second window",
			},
		),
		upstreamDailyUsed: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "upstream_daily_used",
				Help: "Requests counted against today's upstream cap",
			},
		),
		upstreamRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_requests_total",
				Help: "Total number of platform API requests by platform and status",
			},
			[]string{"platform", "status"},
		),
		upstreamRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upstream_request_duration_seconds",
				Help:    "Duration of platform API requests in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"platform"},
		),

		recordsProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_records_processed_total",
				Help: "Total number of raw records processed by outcome (saved, updated, malformed, failed)",
			},
			[]string{"platform", "outcome"},
		),
		timeFallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_time_fallbacks_total",
				Help: "Total number of records whose transaction time could not be parsed",
			},
			[]string{"platform"},
		),
		unknownStatusTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_unknown_status_total",
				Help: "Total number of records with a status string missing from the vocabulary",
			},
			[]string{"platform"},
		),

		syncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sync_duration_seconds",
				Help:    "Duration of platform sync cycles in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
			},
			[]string{"platform", "status"},
		),
		syncRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_runs_total",
				Help: "Total number of platform sync cycles by status",
			},
			[]string{"platform", "status"},
		),
		syncPagesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_pages_fetched_total",
				Help: "Total number of adapter pages fetched by outcome",
			},
			[]string{"platform", "outcome"},
		),
		syncActivityTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_activity_executions_total",
				Help: "Total number of sync activity executions",
			},
			[]string{"activity", "status"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Upstream quota helpers

// RecordAcquire records the outcome of a quota acquisition and how long it waited.
func (m *Metrics) RecordAcquire(result string, waited float64) {
	m.upstreamAcquireTotal.WithLabelValues(result).Inc()
	m.upstreamAcquireWait.Observe(waited)
}

// RecordQuotaUsage publishes the coordinator's current window and daily usage.
func (m *Metrics) RecordQuotaUsage(window, daily int) {
	m.upstreamWindowInUse.Set(float64(window))
	m.upstreamDailyUsed.Set(float64(daily))
}

// RecordUpstreamRequest records a platform API call with duration.
func (m *Metrics) RecordUpstreamRequest(platform, status string, duration float64) {
	m.upstreamRequestsTotal.WithLabelValues(platform, status).Inc()
	m.upstreamRequestDuration.WithLabelValues(platform).Observe(duration)
}

// Reconciliation helpers

// RecordRecords records count records that ended with outcome.
func (m *Metrics) RecordRecords(platform, outcome string, count int) {
	if count == 0 {
		return
	}
	m.recordsProcessedTotal.WithLabelValues(platform, outcome).Add(float64(count))
}

// RecordTimeFallback records a record whose transaction time fell back to now.
func (m *Metrics) RecordTimeFallback(platform string) {
	m.timeFallbacksTotal.WithLabelValues(platform).Inc()
}

// RecordUnknownStatus records a status string that fell through to pending.
func (m *Metrics) RecordUnknownStatus(platform string) {
	m.unknownStatusTotal.WithLabelValues(platform).Inc()
}

// Sync helpers

// RecordSync records a completed sync cycle.
func (m *Metrics) RecordSync(platform, status string, duration float64) {
	m.syncDuration.WithLabelValues(platform, status).Observe(duration)
	m.syncRunsTotal.WithLabelValues(platform, status).Inc()
}

// RecordPage records one adapter page fetch.
func (m *Metrics) RecordPage(platform, outcome string) {
	m.syncPagesFetched.WithLabelValues(platform, outcome).Inc()
}

// RecordActivity records a Temporal activity execution.
func (m *Metrics) RecordActivity(activity string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.syncActivityTotal.WithLabelValues(activity, status).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
