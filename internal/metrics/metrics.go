// Package metrics provides Prometheus metrics for the sync core.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics for the local desktop surface
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echonote_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echonote_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Sync pass metrics
	syncPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echonote_sync_passes_total",
			Help: "Total sync passes by result",
		},
		[]string{"result"},
	)

	syncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "echonote_sync_pass_duration_seconds",
			Help:    "Duration of a full sync pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Mutation queue metrics
	queueEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echonote_queue_enqueued_total",
			Help: "Total mutations enqueued",
		},
		[]string{"entity_type", "operation"},
	)

	queueCoalescedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echonote_queue_coalesced_total",
			Help: "Total enqueues absorbed by coalescing",
		},
		[]string{"rule"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "echonote_queue_depth",
			Help: "Current pending mutation queue depth",
		},
	)

	pushItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echonote_push_items_total",
			Help: "Total queue items pushed by result",
		},
		[]string{"result"},
	)

	// Pull metrics
	pullPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echonote_pull_pages_total",
			Help: "Total pages fetched during pull",
		},
		[]string{"entity_type"},
	)

	pullAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echonote_pull_applied_total",
			Help: "Total server records applied during pull",
		},
		[]string{"entity_type", "action"},
	)

	conflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "echonote_conflicts_total",
			Help: "Total conflicts detected from push acknowledgements",
		},
	)

	// Upload pipeline metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echonote_uploads_total",
			Help: "Total audio uploads by result",
		},
		[]string{"result"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "echonote_upload_bytes_total",
			Help: "Total audio bytes uploaded",
		},
	)

	uploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "echonote_upload_duration_seconds",
			Help:    "Duration of a single audio upload",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Hydration metrics
	hydrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echonote_hydrations_total",
			Help: "Total hydration attempts by result",
		},
		[]string{"result"},
	)

	hydrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "echonote_hydration_duration_seconds",
			Help:    "Duration of initial hydration",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Event broadcast metrics
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echonote_events_published_total",
			Help: "Total sync events published to subscribers",
		},
		[]string{"type"},
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

// RecordSyncPass records a completed sync pass.
func RecordSyncPass(result string, duration time.Duration) {
	syncPassesTotal.WithLabelValues(result).Inc()
	syncPassDuration.Observe(duration.Seconds())
}

// RecordEnqueue records a mutation entering the queue.
func RecordEnqueue(entityType, operation string) {
	queueEnqueuedTotal.WithLabelValues(entityType, operation).Inc()
}

// RecordCoalesce records an enqueue absorbed by an existing item.
func RecordCoalesce(rule string) {
	queueCoalescedTotal.WithLabelValues(rule).Inc()
}

// SetQueueDepth sets the current pending queue depth.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// RecordPushItem records the outcome of pushing one queue item.
func RecordPushItem(result string) {
	pushItemsTotal.WithLabelValues(result).Inc()
}

// RecordPullPage records a fetched page during pull.
func RecordPullPage(entityType string) {
	pullPagesTotal.WithLabelValues(entityType).Inc()
}

// RecordPullApplied records a server record processed during pull.
func RecordPullApplied(entityType, action string) {
	pullAppliedTotal.WithLabelValues(entityType, action).Inc()
}

// RecordConflict records a conflict detected at push acknowledgement.
func RecordConflict() {
	conflictsTotal.Inc()
}

// RecordUpload records an audio upload attempt.
func RecordUpload(bytes int64, success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "error"
	}
	uploadsTotal.WithLabelValues(result).Inc()
	if success {
		uploadBytesTotal.Add(float64(bytes))
	}
	uploadDuration.Observe(duration.Seconds())
}

// RecordHydration records a hydration attempt.
func RecordHydration(success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "error"
	}
	hydrationsTotal.WithLabelValues(result).Inc()
	hydrationDuration.Observe(duration.Seconds())
}

// RecordEventPublished records a sync event fanned out to subscribers.
func RecordEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
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

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
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
