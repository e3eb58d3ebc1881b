// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbox_api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SSEConnectionsActive tracks active event stream connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// ConsentChecksTotal counts consent oracle answers by result.
	ConsentChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_consent_checks_total",
			Help: "Consent checks by result (allowed, denied, error, cancelled)",
		},
		[]string{"result"},
	)

	// ConversationsVisible tracks the size of the consent-filtered set.
	ConversationsVisible = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_conversations_visible",
			Help: "Conversations currently in the filtered set",
		},
	)

	// StreamEventsTotal counts live stream deliveries.
	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_stream_events_total",
			Help: "Live stream events by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// RefreshDuration tracks full sync+list+filter cycles.
	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbox_refresh_duration_seconds",
			Help:    "Conversation set refresh duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)

	// MessagesSentTotal counts send attempts by status.
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_messages_sent_total",
			Help: "Messages sent by status",
		},
		[]string{"status"},
	)

	// ReplyWaitsTotal counts how wait-for-reply periods ended.
	ReplyWaitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_reply_waits_total",
			Help: "Wait-for-reply periods by outcome (replied, timeout, cancelled)",
		},
		[]string{"outcome"},
	)

	// StageErrorsTotal counts surfaced stage errors.
	StageErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_stage_errors_total",
			Help: "Errors surfaced per stage",
		},
		[]string{"stage"},
	)

	// RelayStreamMessages tracks messages in the relay stream.
	RelayStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inbox_relay_stream_messages",
			Help: "Number of messages in the relay stream",
		},
		[]string{"stream"},
	)

	// RelayStreamBytes tracks bytes in the relay stream.
	RelayStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inbox_relay_stream_bytes",
			Help: "Bytes in the relay stream",
		},
		[]string{"stream"},
	)

	// LLMRequestDuration tracks reply generation latency.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbox_llm_request_duration_seconds",
			Help:    "LLM reply generation duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"provider", "direction"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordConsent records a consent check result.
func RecordConsent(result string) {
	ConsentChecksTotal.WithLabelValues(result).Inc()
}

// RecordStreamEvent records a live stream delivery.
func RecordStreamEvent(source, outcome string) {
	StreamEventsTotal.WithLabelValues(source, outcome).Inc()
}

// RecordRefresh records a finished refresh cycle and the resulting set size.
func RecordRefresh(status string, duration float64, visible int) {
	RefreshDuration.WithLabelValues(status).Observe(duration)
	if status == "success" {
		ConversationsVisible.Set(float64(visible))
	}
}

// RecordStageError records a surfaced stage error.
func RecordStageError(stage string) {
	StageErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordLLM records metrics for one reply generation.
func RecordLLM(provider, status string, duration float64, tokensIn, tokensOut int) {
	LLMRequestDuration.WithLabelValues(provider, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
