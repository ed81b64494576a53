// Package metrics exposes process-wide Prometheus collectors for the HTTP
// surface and the upstream clients. Run lifecycle metrics live in the
// progress Prometheus sink.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upstream service labels.
const (
	ServiceApify  = "apify"
	ServiceGenAI  = "genai"
	OutcomeError  = "error"
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	upstreamRequestsTotal      *prometheus.CounterVec
	upstreamRetriesTotal       *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	translationsTotal          *prometheus.CounterVec
	streamClients              prometheus.Gauge

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// more than once; every Observe helper calls it.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adsearch_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adsearch_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adsearch_upstream_requests_total",
				Help: "Calls to upstream services, labeled by service and status class.",
			},
			[]string{"service", "status_class"},
		)
		upstreamRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adsearch_upstream_retries_total",
				Help: "Retried upstream calls, labeled by service.",
			},
			[]string{"service"},
		)
		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adsearch_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the client-side rate limiter.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
		)
		translationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adsearch_translations_total",
				Help: "Ad copies sent for translation, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		streamClients = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "adsearch_stream_clients",
				Help: "Connected progress stream clients.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusClass groups an HTTP status code; zero means the call never got a response.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return OutcomeError
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveUpstream counts one upstream call by response status.
func ObserveUpstream(service string, code int) {
	Init()
	upstreamRequestsTotal.WithLabelValues(service, StatusClass(code)).Inc()
}

// ObserveRetry counts one retried upstream call.
func ObserveRetry(service string) {
	Init()
	upstreamRetriesTotal.WithLabelValues(service).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// ObserveTranslations adds n translated or failed copies.
func ObserveTranslations(outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	translationsTotal.WithLabelValues(outcome).Add(float64(n))
}

// IncStreamClients increments the connected stream gauge.
func IncStreamClients() {
	Init()
	streamClients.Inc()
}

// DecStreamClients decrements the connected stream gauge.
func DecStreamClients() {
	Init()
	streamClients.Dec()
}
