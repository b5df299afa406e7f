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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	// LoginAttempts counts login outcomes per credential namespace.
	LoginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_total",
			Help: "Login attempts by namespace and outcome.",
		},
		[]string{"namespace", "outcome"},
	)

	// RateLimitRejections counts requests rejected by a limiter rule.
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_rejections_total",
			Help: "Requests rejected by sliding-window rate limit rules.",
		},
		[]string{"rule"},
	)

	// CSRFFailures counts state-changing requests rejected by the CSRF guard.
	CSRFFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "csrf_failures_total",
		Help: "State-changing requests rejected by the CSRF guard.",
	})

	// AuditAppends counts audit chain appends by result (ok, conflict, error).
	AuditAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_appends_total",
			Help: "Audit chain append attempts by result.",
		},
		[]string{"result"},
	)

	// OTPEvents counts one-time passcode lifecycle events.
	OTPEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otp_events_total",
			Help: "One-time passcode events (issued, verified, rejected, locked).",
		},
		[]string{"event"},
	)
)

var initOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			LoginAttempts, RateLimitRejections, CSRFFailures, AuditAppends, OTPEvents,
		)
	})
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the most recent readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

var knownPaths = map[string]struct{}{
	"/healthz":           {},
	"/readyz":            {},
	"/metrics":           {},
	"/v1/csrf":           {},
	"/v1/agent/login":    {},
	"/v1/agent/logout":   {},
	"/v1/agent/me":       {},
	"/v1/agent/activity": {},
	"/v1/admin/login":    {},
	"/v1/otp/request":    {},
	"/v1/otp/verify":     {},
	"/v1/signup/token":   {},
}

// CanonicalPath bounds label cardinality: unknown paths collapse to "other".
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	if len(raw) > 1 {
		raw = strings.TrimSuffix(raw, "/")
	}
	if _, ok := knownPaths[raw]; ok {
		return raw
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
