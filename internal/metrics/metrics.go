// Package metrics provides Prometheus metrics for the muttley server.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muttley_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "muttley_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	uploadChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muttley_upload_chunks_total",
			Help: "Upload chunks received, by result",
		},
		[]string{"result"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "muttley_upload_bytes_total",
			Help: "Bytes written by chunk and whole-file uploads",
		},
	)

	uploadsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muttley_uploads_completed_total",
			Help: "Files materialized, by upload mode",
		},
		[]string{"mode"},
	)

	zipExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muttley_zip_exports_total",
			Help: "Directory zip exports, by result",
		},
		[]string{"result"},
	)

	deletedItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muttley_deleted_items_total",
			Help: "Items removed by delete batches, by type",
		},
		[]string{"type"},
	)

	pathEscapesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "muttley_path_escapes_rejected_total",
			Help: "Requests rejected for resolving outside the root",
		},
	)

	authFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "muttley_auth_failures_total",
			Help: "Requests rejected for missing or bad credentials",
		},
	)

	staleArtifactsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "muttley_stale_partials_removed_total",
			Help: "Abandoned partial upload artifacts removed by the sweeper",
		},
	)

	activeUploadsSource atomic.Pointer[func() int]

	activeUploads = promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "muttley_uploads_active",
			Help: "Chunked uploads currently in progress",
		},
		func() float64 {
			if f := activeUploadsSource.Load(); f != nil {
				return float64((*f)())
			}
			return 0
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordChunk records one received upload chunk.
func RecordChunk(bytes int64, success bool) {
	if success {
		uploadBytesTotal.Add(float64(bytes))
	}
	uploadChunksTotal.WithLabelValues(result(success)).Inc()
}

// RecordUploadCompleted records a finalized file; mode is "chunked" or "whole".
func RecordUploadCompleted(mode string, bytes int64) {
	if mode == "whole" {
		uploadBytesTotal.Add(float64(bytes))
	}
	uploadsCompletedTotal.WithLabelValues(mode).Inc()
}

// RecordZipExport records a finished or aborted zip export.
func RecordZipExport(success bool) {
	zipExportsTotal.WithLabelValues(result(success)).Inc()
}

// RecordDeleted records one removed item.
func RecordDeleted(isDir bool) {
	t := "file"
	if isDir {
		t = "directory"
	}
	deletedItemsTotal.WithLabelValues(t).Inc()
}

// RecordPathEscape records a rejected traversal attempt.
func RecordPathEscape() {
	pathEscapesTotal.Inc()
}

// RecordAuthFailure records a rejected credential check.
func RecordAuthFailure() {
	authFailuresTotal.Inc()
}

// SetActiveUploads sets the function the active uploads gauge reads at
// scrape time.
func SetActiveUploads(f func() int) {
	activeUploadsSource.Store(&f)
}

// RecordStaleRemoved records partial artifacts removed by the sweeper.
func RecordStaleRemoved(n int) {
	staleArtifactsRemoved.Add(float64(n))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Middleware records request metrics. Paths are the registered route
// patterns, not raw URLs, to keep label cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, routeLabel(r), rw.statusCode, time.Since(start))
	})
}

func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return "unmatched"
}
