// Package metrics provides Prometheus collectors for the API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh outcomes.
const (
	RefreshUnchanged = "unchanged"
	RefreshPreview   = "preview"
	RefreshApplied   = "applied"
	RefreshError     = "error"
)

// Editor flush outcomes.
const (
	FlushWritten = "written"
	FlushSkipped = "skipped"
	FlushFailed  = "failed"
	FlushStale   = "stale"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkwell_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_source_refresh_total",
			Help: "External source refreshes by outcome",
		},
		[]string{"outcome"},
	)

	importTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_source_import_total",
			Help: "External source imports by outcome",
		},
		[]string{"outcome"},
	)

	rollbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_import_rollback_total",
			Help: "Compensating document deletions after a failed import",
		},
		[]string{"status"},
	)

	editorFlushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_editor_flush_total",
			Help: "Debounced source view flushes by outcome",
		},
		[]string{"outcome"},
	)

	sourceCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkwell_source_call_duration_seconds",
			Help:    "External source API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordRefresh(outcome string) {
	refreshTotal.WithLabelValues(outcome).Inc()
}

func RecordImport(success bool) {
	importTotal.WithLabelValues(status(success)).Inc()
}

// RecordRollback counts a compensating delete and whether it succeeded.
func RecordRollback(success bool) {
	rollbackTotal.WithLabelValues(status(success)).Inc()
}

func RecordFlush(outcome string) {
	editorFlushTotal.WithLabelValues(outcome).Inc()
}

func RecordSourceCall(operation string, duration time.Duration) {
	sourceCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
