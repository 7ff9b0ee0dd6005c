package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataplan_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dataplan_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Usage Metrics
	UsageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataplan_usage_operations_total",
			Help: "Total number of quota tracker operations",
		},
		[]string{"operation", "outcome"},
	)

	DataConsumedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dataplan_data_consumed_megabytes_total",
			Help: "Total data consumption recorded in megabytes",
		},
	)

	QuotaOverrunTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dataplan_quota_overrun_total",
			Help: "Consumptions that pushed usage past the quota",
		},
	)

	CacheDivergenceTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dataplan_cache_divergence_total",
			Help: "Writes where the cached usage disagreed with the store",
		},
	)

	PackagesExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dataplan_packages_expired_total",
			Help: "Usage records transitioned to expired",
		},
	)

	// Cache Metrics
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataplan_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataplan_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Database Metrics
	DatabaseOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataplan_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dataplan_database_operation_duration_seconds",
			Help:    "Database operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"operation"},
	)

	// Notification Metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataplan_notifications_total",
			Help: "Usage alerts by level and delivery outcome",
		},
		[]string{"level", "outcome"},
	)

	// Reset Metrics
	ResetRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataplan_reset_runs_total",
			Help: "Daily reset runs by outcome",
		},
		[]string{"outcome"},
	)

	ResetRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataplan_reset_records_total",
			Help: "Usage records processed by the daily reset",
		},
		[]string{"target", "status"},
	)

	ResetDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dataplan_reset_duration_seconds",
			Help:    "Daily reset run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataplan_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordUsageOperation records the outcome of a tracker operation
func RecordUsageOperation(operation, outcome string) {
	UsageOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordConsumption records consumed data
func RecordConsumption(amount float64, overrun bool) {
	DataConsumedTotal.Add(amount)
	if overrun {
		QuotaOverrunTotal.Inc()
	}
}

// RecordCacheAccess records cache hit or miss
func RecordCacheAccess(cacheType string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// RecordDatabaseOperation records a database operation
func RecordDatabaseOperation(operation, status string, duration float64) {
	DatabaseOperationsTotal.WithLabelValues(operation, status).Inc()
	DatabaseOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordNotification records a usage alert dispatch
func RecordNotification(level, outcome string) {
	NotificationsTotal.WithLabelValues(level, outcome).Inc()
}

// RecordResetRun records a daily reset run
func RecordResetRun(outcome string, duration float64) {
	ResetRunsTotal.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		ResetDuration.Observe(duration)
	}
}

// RecordResetRecord records one record processed by the daily reset
func RecordResetRecord(target, status string) {
	ResetRecordsTotal.WithLabelValues(target, status).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
