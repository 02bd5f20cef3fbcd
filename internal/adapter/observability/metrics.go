package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs accepted for execution",
		},
		[]string{"sandbox"},
	)
	JobsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Total number of successful worker claims",
		},
	)
	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)
	JobDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall-clock duration from claim to finish",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
	)
	LogChunksAppendedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "log_chunks_appended_total",
			Help: "Total number of log chunks persisted",
		},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsFinishedTotal)
	prometheus.MustRegister(JobDurationSeconds)
	prometheus.MustRegister(LogChunksAppendedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
