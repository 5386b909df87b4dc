// Package metrics provides Prometheus metrics for the streaming proxy.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotilark_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spotilark_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Stream relay metrics
	streamBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotilark_stream_bytes_total",
			Help: "Total bytes relayed to clients",
		},
		[]string{"backend"},
	)

	streamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotilark_streams_total",
			Help: "Total stream requests relayed",
		},
		[]string{"backend", "status"},
	)

	upstreamFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotilark_upstream_failures_total",
			Help: "Upstream fetches that returned a non-2xx/206 status or failed",
		},
		[]string{"backend"},
	)

	// Resolver metrics
	resolveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spotilark_resolve_duration_seconds",
			Help:    "Backend resolution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	resolvesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotilark_resolves_total",
			Help: "Total backend resolutions",
		},
		[]string{"backend", "status"},
	)

	// Memo metrics
	memoLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotilark_memo_lookups_total",
			Help: "Path/token memo lookups",
		},
		[]string{"result"},
	)

	memoSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotilark_memo_size",
			Help: "Number of live entries in the path/token memo",
		},
	)

	// Relay upload metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotilark_relay_uploads_total",
			Help: "Total uploads to the relay store",
		},
		[]string{"status"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spotilark_relay_upload_bytes_total",
			Help: "Total bytes uploaded to the relay store",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotilark_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"status"},
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

// RecordStream records a relayed stream.
func RecordStream(backend string, bytes int64, success bool) {
	streamBytesTotal.WithLabelValues(backend).Add(float64(bytes))
	status := "success"
	if !success {
		status = "error"
	}
	streamsTotal.WithLabelValues(backend, status).Inc()
}

// RecordUpstreamFailure records a failed upstream fetch.
func RecordUpstreamFailure(backend string) {
	upstreamFailuresTotal.WithLabelValues(backend).Inc()
}

// RecordResolve records a backend resolution.
func RecordResolve(backend string, duration time.Duration, success bool) {
	resolveDuration.WithLabelValues(backend).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	resolvesTotal.WithLabelValues(backend, status).Inc()
}

// RecordMemoLookup records a memo hit or miss.
func RecordMemoLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	memoLookupsTotal.WithLabelValues(result).Inc()
}

// SetMemoSize sets the current memo entry count.
func SetMemoSize(n int) {
	memoSize.Set(float64(n))
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	authAttemptsTotal.WithLabelValues(status).Inc()
}

// RecordUpload records a relay store upload.
func RecordUpload(bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	uploadsTotal.WithLabelValues(status).Inc()
	if success {
		uploadBytesTotal.Add(float64(bytes))
	}
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
