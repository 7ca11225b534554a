package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics records outbox relay progress.
type RelayMetrics struct {
	duration  *prometheus.HistogramVec
	published *prometheus.CounterVec
	failed    *prometheus.CounterVec
	parked    *prometheus.CounterVec
}

// NewRelayMetrics registers the relay metrics on the provided registerer.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	if reg == nil {
		return &RelayMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbox_publish_duration_seconds",
		Help:    "Duration of outbox publish attempts in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type"})
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_published",
		Help: "Outbox events published successfully.",
	}, []string{"event_type"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_failures",
		Help: "Outbox publish attempts that failed and will retry.",
	}, []string{"event_type"})
	parked := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_parked",
		Help: "Outbox events moved to the dead letter queue.",
	}, []string{"event_type"})
	reg.MustRegister(duration, published, failed, parked)
	return &RelayMetrics{
		duration:  duration,
		published: published,
		failed:    failed,
		parked:    parked,
	}
}

// ObservePublish records the duration for the given event type.
func (m *RelayMetrics) ObservePublish(eventType string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(eventType)).Observe(duration.Seconds())
}

// IncPublished increments the published counter for the event type.
func (m *RelayMetrics) IncPublished(eventType string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncFailed increments the retryable failure counter for the event type.
func (m *RelayMetrics) IncFailed(eventType string) {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncParked increments the DLQ counter for the event type.
func (m *RelayMetrics) IncParked(eventType string) {
	if m == nil || m.parked == nil {
		return
	}
	m.parked.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// HTTPMetrics records request counts and latency per route.
type HTTPMetrics struct {
	duration *prometheus.HistogramVec
	requests *prometheus.CounterVec
}

// NewHTTPMetrics registers the HTTP metrics on the provided registerer.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		return &HTTPMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests served.",
	}, []string{"method", "route", "status"})
	reg.MustRegister(duration, requests)
	return &HTTPMetrics{duration: duration, requests: requests}
}

// ObserveRequest records one served request.
func (m *HTTPMetrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	method = normalizeLabel(method)
	route = normalizeLabel(route)
	m.duration.WithLabelValues(method, route).Observe(duration.Seconds())
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
