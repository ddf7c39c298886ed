// Package metrics provides Prometheus metrics for the printvault server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printvault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "printvault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Library index metrics
	indexProjects = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "printvault_index_projects",
			Help: "Number of project folders in the library index",
		},
	)

	indexFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "printvault_index_files",
			Help: "Number of files in the library index",
		},
	)

	indexGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "printvault_index_generation",
			Help: "Generation counter of the published index snapshot",
		},
	)

	indexRebuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "printvault_index_rebuild_duration_seconds",
			Help:    "Time to rebuild the library index",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scope"}, // full, folder, sliced
	)

	// Query metrics
	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "printvault_query_duration_seconds",
			Help:    "Library query duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"view"}, // projects, sliced
	)

	// Ingest metrics
	ingestItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printvault_ingest_items_total",
			Help: "Total ingested items by outcome",
		},
		[]string{"outcome"}, // success, skipped, error
	)

	ingestBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "printvault_ingest_bytes_total",
			Help: "Total bytes written by the ingest pipeline",
		},
	)

	foldersDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "printvault_folders_deleted_total",
			Help: "Total project folders deleted",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "printvault_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printvault_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// Watcher metrics
	watcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printvault_watcher_events_total",
			Help: "Total filesystem watcher events",
		},
		[]string{"root"}, // model, sliced
	)

	// Printer integration metrics
	printerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printvault_printer_requests_total",
			Help: "Total requests to the printer backend",
		},
		[]string{"endpoint", "status"},
	)

	historyRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "printvault_history_refresh_duration_seconds",
			Help:    "Time to refresh the print-history cache",
			Buckets: prometheus.DefBuckets,
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

// SetIndexSize sets the current index size gauges.
func SetIndexSize(projects, files int) {
	indexProjects.Set(float64(projects))
	indexFiles.Set(float64(files))
}

// SetIndexGeneration sets the published snapshot generation.
func SetIndexGeneration(gen uint64) {
	indexGeneration.Set(float64(gen))
}

// RecordIndexRebuild records an index rebuild duration for a scope.
func RecordIndexRebuild(scope string, duration time.Duration) {
	indexRebuildDuration.WithLabelValues(scope).Observe(duration.Seconds())
}

// RecordQuery records a library query duration.
func RecordQuery(view string, duration time.Duration) {
	queryDuration.WithLabelValues(view).Observe(duration.Seconds())
}

// RecordIngestItem records one ingest outcome.
func RecordIngestItem(outcome string) {
	ingestItemsTotal.WithLabelValues(outcome).Inc()
}

// RecordIngestBytes records bytes written by ingest.
func RecordIngestBytes(n int64) {
	ingestBytesTotal.Add(float64(n))
}

// RecordFolderDeleted records a folder deletion.
func RecordFolderDeleted() {
	foldersDeletedTotal.Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordWatcherEvent records one filesystem watcher event.
func RecordWatcherEvent(root string) {
	watcherEventsTotal.WithLabelValues(root).Inc()
}

// RecordPrinterRequest records a request to the printer backend.
func RecordPrinterRequest(endpoint string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	printerRequestsTotal.WithLabelValues(endpoint, status).Inc()
}

// RecordHistoryRefresh records a print-history cache refresh duration.
func RecordHistoryRefresh(duration time.Duration) {
	historyRefreshDuration.Observe(duration.Seconds())
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
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
