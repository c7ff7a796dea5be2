package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by every handler.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics for the quote lifecycle core.
var (
	quoteTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_transitions_total",
			Help: "Committed quote lifecycle mutations by event type.",
		},
		[]string{"event"},
	)

	cacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Cache lookups by result.",
		},
		[]string{"result"},
	)

	cacheInvalidationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_invalidations_total",
		Help: "Cache entries removed by explicit invalidation.",
	})

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admin_notifications_total",
			Help: "Admin notifications persisted by type.",
		},
		[]string{"type"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		quoteTransitionsTotal, cacheRequestsTotal, cacheInvalidationsTotal,
		notificationsTotal,
	)
}

// RecordQuoteTransition counts a committed lifecycle mutation.
func RecordQuoteTransition(event string) {
	quoteTransitionsTotal.WithLabelValues(event).Inc()
}

// RecordCacheHit counts a cache lookup served from a live entry.
func RecordCacheHit() { cacheRequestsTotal.WithLabelValues("hit").Inc() }

// RecordCacheMiss counts a lookup that fell through to the compute function.
func RecordCacheMiss() { cacheRequestsTotal.WithLabelValues("miss").Inc() }

// RecordCacheInvalidation counts entries removed by explicit invalidation.
func RecordCacheInvalidation(n int) { cacheInvalidationsTotal.Add(float64(n)) }

// RecordNotification counts a persisted admin notification.
func RecordNotification(typ string) { notificationsTotal.WithLabelValues(typ).Inc() }

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with RPS, latency and in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses working through the instrumented writer.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
