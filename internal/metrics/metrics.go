// Package metrics exposes Prometheus counters for the HTTP surface and the
// file lifecycle.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropcode_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dropcode_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropcode_uploads_total",
			Help: "Uploads by outcome.",
		},
		[]string{"result"},
	)

	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropcode_downloads_total",
			Help: "Served files by variant (original or compressed).",
		},
		[]string{"variant"},
	)

	AccessDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropcode_access_decisions_total",
			Help: "Access gate decisions for protected files.",
		},
		[]string{"decision"},
	)

	CompactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropcode_pdf_compactions_total",
			Help: "PDF compaction attempts by result.",
		},
		[]string{"result"},
	)

	PreviewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropcode_previews_total",
			Help: "Office previews by result.",
		},
		[]string{"result"},
	)

	ExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dropcode_files_expired_total",
		Help: "Records soft deleted by the expiry sweep.",
	})

	PurgeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropcode_purge_runs_total",
			Help: "Purge sweeps by mode.",
		},
		[]string{"mode"},
	)

	PurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dropcode_files_purged_total",
		Help: "Rows hard deleted by purge sweeps.",
	})

	PurgeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dropcode_purge_duration_seconds",
		Help:    "Purge sweep duration in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	ArtifactRemovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropcode_artifact_removals_total",
			Help: "Artifact removals by result.",
		},
		[]string{"result"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and durations labelled with the chi
// route pattern, which keeps file codes out of the label set.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
