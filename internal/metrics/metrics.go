// Package metrics exposes Prometheus collectors for the courier service.
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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	messagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_enqueued_total",
			Help: "Total messages enqueued by company and type",
		},
		[]string{"company_id", "message_type"},
	)

	messagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_dispatched_total",
			Help: "Dispatch attempts by outcome (sent, retried, failed_permanent)",
		},
		[]string{"outcome"},
	)

	deliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_latency_seconds",
			Help:    "Time from enqueue to successful delivery",
			Buckets: []float64{1, 5, 30, 60, 300, 1800, 3600, 21600},
		},
	)

	quotaDeferrals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_quota_deferrals_total",
			Help: "Dispatch cycles cut short by an exhausted daily quota",
		},
		[]string{"company_id"},
	)

	quotaUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_quota_used",
			Help: "Messages sent today against the effective daily limit",
		},
		[]string{"company_id"},
	)

	gatewayErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_gateway_errors_total",
			Help: "Gateway send failures by classification",
		},
		[]string{"kind"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "API requests rejected by the rate limiter",
		},
		[]string{"company_id"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEnqueued records a message enqueue event.
func RecordEnqueued(companyID, messageType string) {
	messagesEnqueued.WithLabelValues(companyID, messageType).Inc()
}

// RecordDispatched records a dispatch attempt outcome.
func RecordDispatched(outcome string) {
	messagesDispatched.WithLabelValues(outcome).Inc()
}

// RecordDeliveryLatency records end-to-end queue-to-delivery time.
func RecordDeliveryLatency(latency time.Duration) {
	deliveryLatency.Observe(latency.Seconds())
}

// RecordQuotaDeferral records a cycle stopped by the daily quota.
func RecordQuotaDeferral(companyID string) {
	quotaDeferrals.WithLabelValues(companyID).Inc()
}

// SetQuotaUsed sets today's sent count for a company.
func SetQuotaUsed(companyID string, used int) {
	quotaUsed.WithLabelValues(companyID).Set(float64(used))
}

// RecordGatewayError records a classified gateway failure.
func RecordGatewayError(kind string) {
	gatewayErrors.WithLabelValues(kind).Inc()
}

// RecordRateLimitRejection records an API rate limit rejection.
func RecordRateLimitRejection(companyID string) {
	rateLimitRejections.WithLabelValues(companyID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
