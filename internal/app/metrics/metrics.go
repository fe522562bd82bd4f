package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "canvas",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canvas",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "canvas",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	claims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canvas",
			Subsystem: "claims",
			Name:      "total",
			Help:      "Total number of cell claim attempts.",
		},
		[]string{"outcome"},
	)

	claimedAmount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canvas",
			Subsystem: "claims",
			Name:      "settled_atomic_units_total",
			Help:      "Total settled payment volume in USDC atomic units.",
		},
	)

	settlementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "canvas",
			Subsystem: "claims",
			Name:      "settlement_duration_seconds",
			Help:      "Duration of facilitator verify-and-settle round trips.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	snapshotRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canvas",
			Subsystem: "snapshot",
			Name:      "requests_total",
			Help:      "Total number of canvas snapshot requests.",
		},
		[]string{"source"},
	)

	streamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "canvas",
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Current number of live canvas stream subscribers.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		claims,
		claimedAmount,
		settlementDuration,
		snapshotRequests,
		streamSubscribers,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordClaim records the outcome of one claim attempt: "settled",
// "payment_required", "rejected", "superseded", or "error".
func RecordClaim(outcome string, amount int64) {
	claims.WithLabelValues(outcome).Inc()
	if outcome == "settled" && amount > 0 {
		claimedAmount.Add(float64(amount))
	}
}

// RecordSettlement records one facilitator round trip.
func RecordSettlement(duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	settlementDuration.Observe(duration.Seconds())
}

// RecordSnapshot records a snapshot request served from "cache" or "store".
func RecordSnapshot(source string) {
	snapshotRequests.WithLabelValues(source).Inc()
}

// SetStreamSubscribers publishes the current live subscriber count.
func SetStreamSubscribers(n int) {
	streamSubscribers.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets protocol upgrades (websockets) pass through the instrumented
// writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "pixels", "canvas", "admin", "auth":
		if len(parts) > 1 {
			return "/" + parts[0] + "/" + parts[1]
		}
		return "/" + parts[0]
	default:
		return "/" + parts[0]
	}
}
