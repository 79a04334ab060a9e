// Package metrics provides Prometheus metrics for the deskfs server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskfs_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskfs_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// File-system engine metrics
	vfsOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskfs_vfs_operations_total",
			Help: "Total file-system operations by result",
		},
		[]string{"op", "result"},
	)

	vfsOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskfs_vfs_operation_duration_seconds",
			Help:    "File-system operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	cascadeNodes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskfs_cascade_nodes",
			Help:    "Number of nodes touched by a cascading rename, move or delete",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"op"},
	)

	treeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deskfs_tree_size",
			Help: "Number of nodes in the most recently built owner tree",
		},
	)

	bootstrapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskfs_bootstraps_total",
			Help: "Default file-system bootstrap attempts by result",
		},
		[]string{"result"},
	)

	reconcileFixesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskfs_reconcile_fixes_total",
			Help: "Inconsistencies found by the reconciler",
		},
		[]string{"kind"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskfs_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deskfs_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	txRollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskfs_tx_rollbacks_total",
			Help: "Transactions rolled back or compensated",
		},
		[]string{"backend"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deskfs_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskfs_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskfs_auth_attempts_total",
			Help: "Token validations by result",
		},
		[]string{"result"},
	)

	// Quota metrics
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskfs_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskfs_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskfs_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordOperation records a file-system engine operation.
func RecordOperation(op string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	vfsOperationsTotal.WithLabelValues(op, result).Inc()
	vfsOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordCascade records how many nodes a cascading operation touched.
func RecordCascade(op string, nodes int) {
	cascadeNodes.WithLabelValues(op).Observe(float64(nodes))
}

// SetTreeSize sets the size of the last built tree.
func SetTreeSize(size int) {
	treeSize.Set(float64(size))
}

// RecordBootstrap records a bootstrap attempt. result is created, skipped or error.
func RecordBootstrap(result string) {
	bootstrapsTotal.WithLabelValues(result).Inc()
}

// RecordReconcileFixes adds n findings of the given kind.
func RecordReconcileFixes(kind string, n int) {
	if n > 0 {
		reconcileFixesTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(backend, query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(backend, query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordRollback records a rolled back transaction.
func RecordRollback(backend string) {
	txRollbacksTotal.WithLabelValues(backend).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordAuthAttempt records a token validation.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
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

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rw.statusCode, time.Since(start))
	})
}

// routeLabel keeps the first three path segments so file paths do not
// explode label cardinality: /api/v1/content/a/b.txt -> /api/v1/content.
func routeLabel(p string) string {
	segs := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 4)
	if len(segs) > 3 {
		segs = segs[:3]
	}
	return "/" + strings.Join(segs, "/")
}
