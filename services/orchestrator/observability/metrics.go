// Copyright (C) 2025 BrandPilot AI (eng@brandpilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the RAG chat
// pipeline. Metrics include:
//   - Chat request counters (by status, error type)
//   - Retrieval hit counters and latency (by source)
//   - Stream latency histograms (time to first token, total duration)
//   - Web search tool invocation counters
//   - Document ingestion counters (chunks written, truncations)
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "brandpilot"

// Subsystems
const (
	chatSubsystem      = "chat"
	retrievalSubsystem = "retrieval"
	ingestionSubsystem = "ingestion"
)

// RAGMetrics holds all Prometheus metrics for the chat pipeline.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring chat streaming,
// retrieval, and ingestion. Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type RAGMetrics struct {
	// ChatRequestsTotal counts chat turns by status.
	// Labels: status (success, error)
	ChatRequestsTotal *prometheus.CounterVec

	// ChatErrorsTotal counts chat failures by type.
	// Labels: error_code (validation, llm_error, timeout, internal, ...)
	ChatErrorsTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to the first streamed delta.
	TimeToFirstTokenSeconds prometheus.Histogram

	// StreamDurationSeconds measures total turn duration.
	// Labels: status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open streaming connections.
	ActiveStreams prometheus.Gauge

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	ClientDisconnectsTotal prometheus.Counter

	// WebSearchTotal counts internet_search tool executions.
	// Labels: status (success, error)
	WebSearchTotal *prometheus.CounterVec

	// RetrievalHitsTotal counts hits surfaced into the context block.
	// Labels: source (documents, messages, global)
	RetrievalHitsTotal *prometheus.CounterVec

	// RetrievalDurationSeconds measures the retrieval fan-out.
	RetrievalDurationSeconds prometheus.Histogram

	// RetrievalDegradedTotal counts sources that returned nothing because
	// the store was unavailable.
	// Labels: source (documents, messages, global)
	RetrievalDegradedTotal *prometheus.CounterVec

	// IngestedChunksTotal counts document chunks by write outcome.
	// Labels: status (written, failed)
	IngestedChunksTotal *prometheus.CounterVec

	// IngestTruncationsTotal counts documents cut at the chunk cap.
	IngestTruncationsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of RAGMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *RAGMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Call once at application
// startup.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *RAGMetrics {
	DefaultMetrics = &RAGMetrics{
		ChatRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total chat turns by status",
			},
			[]string{"status"},
		),

		ChatErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total chat failures by type",
			},
			[]string{"error_code"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first streamed delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open streaming connections",
			},
		),

		ClientDisconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
		),

		WebSearchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "web_search_total",
				Help:      "Total internet_search tool executions by status",
			},
			[]string{"status"},
		),

		RetrievalHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: retrievalSubsystem,
				Name:      "hits_total",
				Help:      "Total retrieval hits surfaced into context by source",
			},
			[]string{"source"},
		),

		RetrievalDurationSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: retrievalSubsystem,
				Name:      "duration_seconds",
				Help:      "Retrieval fan-out duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
		),

		RetrievalDegradedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: retrievalSubsystem,
				Name:      "degraded_total",
				Help:      "Total retrieval sources degraded to empty by store failures",
			},
			[]string{"source"},
		),

		IngestedChunksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestionSubsystem,
				Name:      "chunks_total",
				Help:      "Total document chunks by write outcome",
			},
			[]string{"status"},
		),

		IngestTruncationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestionSubsystem,
				Name:      "truncations_total",
				Help:      "Total documents truncated at the chunk cap",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeLLMError indicates a chat provider failure.
	ErrorCodeLLMError ErrorCode = "llm_error"

	// ErrorCodeTimeout indicates operation timeout.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeRetrieval indicates a retrieval failure.
	ErrorCodeRetrieval ErrorCode = "retrieval"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the client went away.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordChatRequest records a completed chat turn.
func (m *RAGMetrics) RecordChatRequest(success bool) {
	m.ChatRequestsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordChatError records a chat failure by type.
func (m *RAGMetrics) RecordChatError(code ErrorCode) {
	m.ChatErrorsTotal.WithLabelValues(string(code)).Inc()
}

// RecordTimeToFirstToken records latency to the first streamed delta.
func (m *RAGMetrics) RecordTimeToFirstToken(seconds float64) {
	m.TimeToFirstTokenSeconds.Observe(seconds)
}

// RecordStreamDuration records the total turn duration.
func (m *RAGMetrics) RecordStreamDuration(seconds float64, success bool) {
	m.StreamDurationSeconds.WithLabelValues(statusLabel(success)).Observe(seconds)
}

// StreamStarted increments the active streams gauge.
func (m *RAGMetrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *RAGMetrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

// RecordClientDisconnect increments the disconnect counter.
func (m *RAGMetrics) RecordClientDisconnect() {
	m.ClientDisconnectsTotal.Inc()
}

// RecordWebSearch records one internet_search execution.
func (m *RAGMetrics) RecordWebSearch(success bool) {
	m.WebSearchTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordRetrieval records the outcome of one retrieval fan-out.
//
// # Inputs
//
//   - documents, messages, global: Hit counts per source.
//   - seconds: Fan-out duration.
func (m *RAGMetrics) RecordRetrieval(documents, messages, global int, seconds float64) {
	m.RetrievalHitsTotal.WithLabelValues("documents").Add(float64(documents))
	m.RetrievalHitsTotal.WithLabelValues("messages").Add(float64(messages))
	m.RetrievalHitsTotal.WithLabelValues("global").Add(float64(global))
	m.RetrievalDurationSeconds.Observe(seconds)
}

// RecordRetrievalDegraded records one source degrading to empty.
func (m *RAGMetrics) RecordRetrievalDegraded(source string) {
	m.RetrievalDegradedTotal.WithLabelValues(source).Inc()
}

// RecordIngestion records a document ingestion outcome.
//
// # Inputs
//
//   - written: Chunks successfully persisted.
//   - failed: Chunks that failed all insert attempts.
//   - truncated: Whether the document was cut at the chunk cap.
func (m *RAGMetrics) RecordIngestion(written, failed int, truncated bool) {
	m.IngestedChunksTotal.WithLabelValues("written").Add(float64(written))
	m.IngestedChunksTotal.WithLabelValues("failed").Add(float64(failed))
	if truncated {
		m.IngestTruncationsTotal.Inc()
	}
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
