package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Security-core metrics.
var (
	LoginFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guard_login_failures_total",
		Help: "Failed login attempts recorded by the lockout guard.",
	})

	LockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guard_lockouts_total",
		Help: "Accounts that crossed the lockout threshold.",
	})

	SessionValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_validations_total",
			Help: "Session validation checks by outcome.",
		},
		[]string{"outcome"},
	)

	AuditEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_entries_total",
		Help: "Audit entries appended to the in-memory log.",
	})

	AuditPersistFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_persist_failures_total",
		Help: "Failed attempts to persist the audit tail to the shared store.",
	})

	BusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Events published on the cross-context bus.",
		},
		[]string{"type"},
	)

	BusDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_events_delivered_total",
		Help: "Local subscriber callbacks invoked.",
	})

	BusDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_events_dropped_total",
		Help: "External bus notifications dropped as duplicate or malformed.",
	})

	OpenContexts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "activity_open_contexts",
		Help: "Execution contexts currently registered for this session.",
	})

	RapidNavigationTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "activity_rapid_navigation_total",
		Help: "Navigation bursts that exceeded the advisory rate limit.",
	})
)

// HTTP metrics for the admin surface.
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

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		LoginFailuresTotal, LockoutsTotal, SessionValidationsTotal,
		AuditEntriesTotal, AuditPersistFailuresTotal,
		BusPublishedTotal, BusDeliveredTotal, BusDroppedTotal,
		OpenContexts, RapidNavigationTotal,
		httpInFlight, httpRequestsTotal, httpRequestDuration,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps an HTTP handler with request counters and latency
// histograms.
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
