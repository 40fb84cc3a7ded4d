package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

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

	authLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	authRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_renewals_total",
			Help: "Renewal exchanges by outcome.",
		},
		[]string{"outcome"},
	)

	authReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_renewal_replays_total",
		Help: "Renewal credentials presented again after being consumed.",
	})

	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Access-control gate decisions by path class and action.",
		},
		[]string{"class", "action"},
	)
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authLogins, authRenewals, authReplays, gateDecisions,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login attempt.
func ObserveLogin(outcome string) { authLogins.WithLabelValues(outcome).Inc() }

// ObserveRenewal counts a renewal exchange.
func ObserveRenewal(outcome string) { authRenewals.WithLabelValues(outcome).Inc() }

// ObserveReplay counts a detected renewal replay.
func ObserveReplay() { authReplays.Inc() }

// ObserveGateDecision counts one gate decision.
func ObserveGateDecision(class, action string) {
	gateDecisions.WithLabelValues(class, action).Inc()
}

// Instrument records in-flight, count and latency metrics for next.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifier segments so metric labels stay bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 5 && parts[0] == "api" && parts[1] == "admin" && parts[2] == "users" && parts[4] == "role":
		return "/api/admin/users/:id/role"
	case len(parts) >= 3 && parts[0] == "api" && isResourceCollection(parts[1]):
		return "/api/" + parts[1] + "/:id"
	case len(parts) >= 3 && parts[0] == "dashboard" && isResourceCollection(parts[1]) && parts[2] != "create":
		return "/dashboard/" + parts[1] + "/:id"
	}
	return path
}

func isResourceCollection(segment string) bool {
	switch segment {
	case "courses", "categories", "lessons", "quizzes":
		return true
	}
	return false
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
