// Package metrics exposes Prometheus instrumentation for the server.
// Collectors register on the default registry; the download server serves
// them on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "openai_mcp"

var (
	generationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Image generation requests by model and outcome",
		},
		[]string{"model", "status"},
	)

	providerRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Retried provider attempts after a timeout",
		},
		[]string{"model"},
	)

	compressDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compress_duration_seconds",
			Help:      "Time spent re-encoding one image",
			Buckets:   prometheus.DefBuckets,
		},
	)

	compressedBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compressed_image_bytes",
			Help:      "Final size of compressed images",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 2, 8),
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Download server requests",
		},
		[]string{"method", "path", "code"},
	)
)

// Generation records the outcome of one create-image request.
func Generation(model, status string) {
	generationsTotal.With(prometheus.Labels{"model": model, "status": status}).Inc()
}

// ProviderRetry counts one timed-out attempt that is about to be retried.
func ProviderRetry(model string) {
	providerRetriesTotal.With(prometheus.Labels{"model": model}).Inc()
}

// Compression records the duration and output size of one codec run.
func Compression(d time.Duration, outputBytes int) {
	compressDuration.Observe(d.Seconds())
	compressedBytes.Observe(float64(outputBytes))
}

// Middleware instruments download-server requests.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := &statusResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		httpRequestsTotal.With(prometheus.Labels{
			"method": r.Method,
			"path":   r.URL.Path,
			"code":   strconv.Itoa(ww.status),
		}).Inc()
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
