// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides the Prometheus metrics of the gateway.
// Metrics are exposed on /metrics and cover query turns, cache answers,
// provider failures and retrieval latency.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "sfbot"
	gatewaySubsystem = "gateway"
)

// GatewayMetrics holds the Prometheus metrics for query handling.
// Initialize once at startup via InitMetrics; all operations are safe for
// concurrent use.
type GatewayMetrics struct {
	// TurnsTotal counts handled query turns.
	// Labels: mode (batch, stream), status (success, apology, cached, reset)
	TurnsTotal *prometheus.CounterVec

	// ProviderErrorsTotal counts provider failures by taxonomy kind.
	// Labels: kind (rate_limited, connection_failed, timeout,
	// server_unavailable, bad_request, unknown)
	ProviderErrorsTotal *prometheus.CounterVec

	// TokensTotal counts provider-reported tokens.
	// Labels: direction (prompt, completion), model
	TokensTotal *prometheus.CounterVec

	// RetrievalSeconds measures one similarity search round trip.
	// Labels: category (kb, ka, qa, atc, res, qnt, starter)
	RetrievalSeconds *prometheus.HistogramVec

	// TurnSeconds measures end-to-end turn handling.
	// Labels: mode (batch, stream)
	TurnSeconds *prometheus.HistogramVec

	// ActiveStreams tracks open SSE connections.
	ActiveStreams prometheus.Gauge
}

// DefaultMetrics is the process-wide metrics instance, set by InitMetrics.
var DefaultMetrics *GatewayMetrics

// InitMetrics creates and registers all gateway metrics with the default
// registry. Call once at startup; a second call panics on duplicate
// registration.
func InitMetrics() *GatewayMetrics {
	DefaultMetrics = &GatewayMetrics{
		TurnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "turns_total",
				Help:      "Handled query turns by mode and outcome",
			},
			[]string{"mode", "status"},
		),

		ProviderErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "provider_errors_total",
				Help:      "Completion provider failures by error kind",
			},
			[]string{"kind"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "tokens_total",
				Help:      "Provider-reported tokens by direction and model",
			},
			[]string{"direction", "model"},
		),

		RetrievalSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "retrieval_seconds",
				Help:      "Similarity search round-trip latency",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"category"},
		),

		TurnSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "turn_seconds",
				Help:      "End-to-end query turn duration",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"mode"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "active_streams",
				Help:      "Currently open SSE streaming connections",
			},
		),
	}
	return DefaultMetrics
}

// Turn statuses for TurnsTotal.
const (
	StatusSuccess = "success"
	StatusApology = "apology"
	StatusCached  = "cached"
	StatusReset   = "reset"
)

// RecordTurn records one completed query turn.
func (m *GatewayMetrics) RecordTurn(mode, status string, seconds float64) {
	m.TurnsTotal.WithLabelValues(mode, status).Inc()
	m.TurnSeconds.WithLabelValues(mode).Observe(seconds)
}

// RecordProviderError counts one classified provider failure.
func (m *GatewayMetrics) RecordProviderError(kind string) {
	m.ProviderErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordTokens records the token accounting of one provider call.
func (m *GatewayMetrics) RecordTokens(promptTokens, completionTokens int, model string) {
	m.TokensTotal.WithLabelValues("prompt", model).Add(float64(promptTokens))
	m.TokensTotal.WithLabelValues("completion", model).Add(float64(completionTokens))
}

// RecordRetrieval records one similarity search round trip.
func (m *GatewayMetrics) RecordRetrieval(category string, seconds float64) {
	m.RetrievalSeconds.WithLabelValues(category).Observe(seconds)
}

// StreamStarted increments the open-streams gauge.
func (m *GatewayMetrics) StreamStarted() { m.ActiveStreams.Inc() }

// StreamEnded decrements the open-streams gauge.
func (m *GatewayMetrics) StreamEnded() { m.ActiveStreams.Dec() }
