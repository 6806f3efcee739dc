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

	TestsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_tests_started_total",
			Help: "Total number of benchmark tests admitted",
		},
		[]string{"profile"},
	)
	TestsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_tests_finished_total",
			Help: "Total number of benchmark tests reaching a terminal state",
		},
		[]string{"profile", "state"},
	)
	WorkerRuntimeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "benchmark_worker_runtime_seconds",
			Help:    "Wall-clock runtime of the benchmark worker",
			Buckets: []float64{30, 60, 300, 900, 1800, 3600, 5400, 9300, 10800},
		},
		[]string{"profile"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TestsStartedTotal)
	prometheus.MustRegister(TestsFinishedTotal)
	prometheus.MustRegister(WorkerRuntimeSeconds)
}

// Recorder adapts the prometheus collectors to the orchestrator's sink.
type Recorder struct{}

func (Recorder) TestStarted(profile string) {
	TestsStartedTotal.WithLabelValues(profile).Inc()
}

func (Recorder) TestFinished(profile, state string, runtime time.Duration) {
	TestsFinishedTotal.WithLabelValues(profile, state).Inc()
	WorkerRuntimeSeconds.WithLabelValues(profile).Observe(runtime.Seconds())
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
