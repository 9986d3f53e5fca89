// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the sketch service.
//
// # Description
//
// Counters, histograms, and gauges for monitoring the voice-to-action
// pipeline: connection lifecycle, inbound frames, collaborator latency,
// applied actions, and error classes. Exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "aleutian"

// Subsystem for the sketch agent.
const sketchSubsystem = "sketch"

// ErrorCode categorizes failures for the errors counter.
type ErrorCode string

const (
	// ErrorCodeAuth indicates a connection rejected for identity failure.
	ErrorCodeAuth ErrorCode = "auth"

	// ErrorCodeAudioBounds indicates audio outside the accepted size range.
	ErrorCodeAudioBounds ErrorCode = "audio_bounds"

	// ErrorCodeTranscription indicates a speech-to-text failure.
	ErrorCodeTranscription ErrorCode = "transcription"

	// ErrorCodeReasoning indicates the reasoning collaborator failed,
	// including exhausted self-correction retries.
	ErrorCodeReasoning ErrorCode = "reasoning"

	// ErrorCodeInternal indicates an unexpected failure caught by the
	// per-cycle guard.
	ErrorCodeInternal ErrorCode = "internal"
)

// FrameKind labels inbound frames for the frames counter.
type FrameKind string

const (
	FrameKindAudio      FrameKind = "audio"
	FrameKindCanvasSync FrameKind = "canvas_sync"
	FrameKindFeedback   FrameKind = "feedback"
	FrameKindUnknown    FrameKind = "unknown"
)

// Metrics holds all Prometheus metrics for the sketch service.
// Construct once at startup via NewMetrics and pass by reference; there is
// no package-level singleton.
type Metrics struct {
	// ConnectionsTotal counts websocket connections by status
	// (accepted, rejected_auth).
	ConnectionsTotal *prometheus.CounterVec

	// ActiveSessions tracks live sessions in the registry.
	ActiveSessions prometheus.Gauge

	// FramesTotal counts inbound frames by kind.
	FramesTotal *prometheus.CounterVec

	// AudioBytes measures inbound audio frame sizes.
	AudioBytes prometheus.Histogram

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal prometheus.Counter

	// TranscriptionSeconds measures speech-to-text latency.
	TranscriptionSeconds prometheus.Histogram

	// ReasoningSeconds measures reasoning collaborator latency.
	ReasoningSeconds prometheus.Histogram

	// ActionsTotal counts applied actions by type and outcome
	// (applied, noop, rejected).
	ActionsTotal *prometheus.CounterVec

	// ErrorsTotal counts failures by error code.
	ErrorsTotal *prometheus.CounterVec

	// SessionsExpiredTotal counts sessions removed by the expiry sweep.
	SessionsExpiredTotal prometheus.Counter
}

// NewMetrics creates and registers all sketch metrics on reg. Use
// prometheus.DefaultRegisterer in main and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sketchSubsystem,
				Name:      "connections_total",
				Help:      "Total websocket connections by status",
			},
			[]string{"status"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: sketchSubsystem,
				Name:      "active_sessions",
				Help:      "Number of live sessions in the registry",
			},
		),

		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sketchSubsystem,
				Name:      "frames_total",
				Help:      "Total inbound frames by kind",
			},
			[]string{"kind"},
		),

		AudioBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: sketchSubsystem,
				Name:      "audio_bytes",
				Help:      "Inbound audio frame sizes in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),

		RateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sketchSubsystem,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),

		TranscriptionSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: sketchSubsystem,
				Name:      "transcription_seconds",
				Help:      "Speech-to-text latency in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		ReasoningSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: sketchSubsystem,
				Name:      "reasoning_seconds",
				Help:      "Reasoning collaborator latency in seconds",
				Buckets:   []float64{0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
		),

		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sketchSubsystem,
				Name:      "actions_total",
				Help:      "Total graph actions by type and outcome",
			},
			[]string{"action", "outcome"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sketchSubsystem,
				Name:      "errors_total",
				Help:      "Total failures by error code",
			},
			[]string{"code"},
		),

		SessionsExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sketchSubsystem,
				Name:      "sessions_expired_total",
				Help:      "Sessions removed by the expiry sweep",
			},
		),
	}
}

// RecordConnection records a websocket connection attempt.
func (m *Metrics) RecordConnection(accepted bool) {
	status := "accepted"
	if !accepted {
		status = "rejected_auth"
	}
	m.ConnectionsTotal.WithLabelValues(status).Inc()
}

// RecordFrame records one inbound frame.
func (m *Metrics) RecordFrame(kind FrameKind) {
	m.FramesTotal.WithLabelValues(string(kind)).Inc()
}

// RecordAction records one applied/rejected action.
func (m *Metrics) RecordAction(action, outcome string) {
	m.ActionsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordError records a categorized failure.
func (m *Metrics) RecordError(code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}
