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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	credentialsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credentials_issued_total",
		Help: "Verifiable credentials persisted by the issuer.",
	})

	credentialsRevoked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credentials_revoked_total",
		Help: "Verifiable credentials moved to revoked.",
	})

	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_verifications_total",
			Help: "Token verifications by outcome.",
		},
		[]string{"result"},
	)

	anchorAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anchoring_attempts_total",
			Help: "Blockchain anchoring attempts by outcome.",
		},
		[]string{"outcome"},
	)

	anchorQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anchor_queue_depth",
		Help: "Anchoring jobs waiting for a worker.",
	})

	initOnce sync.Once
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			credentialsIssued, credentialsRevoked, verifications, anchorAttempts, anchorQueueDepth,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests for next.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers and tokens so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	switch parts[1] {
	case "verify":
		if len(parts) == 3 && parts[2] != "batch" {
			return "/v1/verify/:token"
		}
	case "track":
		if len(parts) == 3 {
			return "/v1/track/:token"
		}
	case "batches", "inspections":
		if len(parts) == 3 {
			return "/v1/" + parts[1] + "/:id"
		}
		if len(parts) == 4 {
			return "/v1/" + parts[1] + "/:id/" + parts[3]
		}
	case "credentials":
		if len(parts) == 4 {
			return "/v1/credentials/:id/" + parts[3]
		}
	}
	return raw
}

// SetReady mirrors the last readiness probe into service_ready.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

func IncCredentialsIssued()  { credentialsIssued.Inc() }
func IncCredentialsRevoked() { credentialsRevoked.Inc() }

// ObserveVerification counts one verification with result valid, revoked, not_found or error.
func ObserveVerification(result string) { verifications.WithLabelValues(result).Inc() }

// ObserveAnchorAttempt counts one anchoring attempt with outcome anchored, skipped, retry or failed.
func ObserveAnchorAttempt(outcome string) { anchorAttempts.WithLabelValues(outcome).Inc() }

func SetAnchorQueueDepth(n int) { anchorQueueDepth.Set(float64(n)) }

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
