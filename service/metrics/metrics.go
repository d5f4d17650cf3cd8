package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics. A nil *Metrics
// records nothing.
type Metrics struct {
	// REST API Metrics
	restRequestsTotal   *prometheus.CounterVec
	restRequestDuration *prometheus.HistogramVec

	// Listing Metrics
	listWaitTotal *prometheus.CounterVec
	listWaitPolls *prometheus.HistogramVec

	// Stream Metrics
	streamEventsTotal       *prometheus.CounterVec
	streamCommitsTotal      *prometheus.CounterVec
	streamSourceErrorsTotal *prometheus.CounterVec

	// Projection Metrics
	projectionWritesTotal   *prometheus.CounterVec
	projectionWriteDuration *prometheus.HistogramVec

	// Producer Metrics
	producerMessagesTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// REST API Metrics
		restRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_rest_requests_total",
				Help: "Total number of Vault REST API requests by method, path and status class",
			},
			[]string{"method", "path", "status"},
		),
		restRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vault_rest_request_duration_seconds",
				Help:    "Duration of Vault REST API requests in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"method", "path"},
		),

		// Listing Metrics
		listWaitTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_list_wait_total",
				Help: "Total number of waits for transactions to exist by outcome",
			},
			[]string{"outcome"},
		),
		listWaitPolls: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vault_list_wait_polls",
				Help:    "Number of listing calls made by a wait for transactions to exist",
				Buckets: []float64{1, 2, 3, 5, 10, 20, 50},
			},
			[]string{"outcome"},
		),

		// Stream Metrics
		streamEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_stream_events_total",
				Help: "Total number of transaction events consumed by type",
			},
			[]string{"event_type"},
		),
		streamCommitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_stream_commits_total",
				Help: "Total number of consumer offset commits by status",
			},
			[]string{"status"},
		),
		streamSourceErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_stream_source_errors_total",
				Help: "Total number of errors reported by the message source",
			},
			[]string{"kind"},
		),

		// Projection Metrics
		projectionWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_projection_writes_total",
				Help: "Total number of transaction events written to the projection by outcome",
			},
			[]string{"outcome"},
		),
		projectionWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vault_projection_write_duration_seconds",
				Help:    "Duration of projection writes in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"outcome"},
		),

		// Producer Metrics
		producerMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_producer_messages_total",
				Help: "Total number of messages produced by backend, topic and status",
			},
			[]string{"backend", "topic", "status"},
		),
	}
}

// REST API metric helpers

// RecordRequest records a Vault REST API call with duration. A status code of
// 0 means no response was received.
func (m *Metrics) RecordRequest(method, path string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	m.restRequestsTotal.WithLabelValues(method, path, statusCodeToString(statusCode)).Inc()
	m.restRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// Listing metric helpers

// RecordListWait records the outcome of a wait for transactions to exist.
func (m *Metrics) RecordListWait(outcome string, polls int) {
	if m == nil {
		return
	}
	m.listWaitTotal.WithLabelValues(outcome).Inc()
	m.listWaitPolls.WithLabelValues(outcome).Observe(float64(polls))
}

// Stream metric helpers

// RecordStreamEvent records a consumed transaction event.
func (m *Metrics) RecordStreamEvent(eventType string) {
	if m == nil {
		return
	}
	m.streamEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordStreamCommit records an offset commit.
func (m *Metrics) RecordStreamCommit(err error) {
	if m == nil {
		return
	}
	m.streamCommitsTotal.WithLabelValues(errorStatus(err)).Inc()
}

// RecordStreamSourceError records an error reported by the message source.
func (m *Metrics) RecordStreamSourceError(kind string) {
	if m == nil {
		return
	}
	m.streamSourceErrorsTotal.WithLabelValues(kind).Inc()
}

// Projection metric helpers

// RecordProjectionWrite records a projection write. Outcome is applied,
// stale, skipped or error.
func (m *Metrics) RecordProjectionWrite(outcome string, duration float64) {
	if m == nil {
		return
	}
	m.projectionWritesTotal.WithLabelValues(outcome).Inc()
	m.projectionWriteDuration.WithLabelValues(outcome).Observe(duration)
}

// Producer metric helpers

// RecordProducerMessage records a produced message.
func (m *Metrics) RecordProducerMessage(backend, topic string, err error) {
	if m == nil {
		return
	}
	m.producerMessagesTotal.WithLabelValues(backend, topic, errorStatus(err)).Inc()
}

// Helper functions

func errorStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code == 0:
		return "no_response"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
