// Package metrics exposes Prometheus collectors for coaching sessions,
// tip dispatch, and the Gemini relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcomes.
const (
	OutcomeTip   = "tip"
	OutcomeEmpty = "empty"
	OutcomeError = "error"
	OutcomeStale = "stale"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	DispatchTotal    *prometheus.CounterVec
	DispatchInFlight prometheus.Gauge
	DispatchDuration prometheus.Histogram

	SessionsActive     prometheus.Gauge
	SessionStarts      prometheus.Counter
	RecognitionErrors  prometheus.Counter
	TranscriptChunks   prometheus.Counter
	RelayRequestsTotal *prometheus.CounterVec
	RelayDuration      prometheus.Histogram
}

// New creates a Metrics instance on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "coachdesk"
	}

	registry := prometheus.NewRegistry()

	dispatchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tip_dispatch_total",
			Help:      "Completed tip-generation dispatches by outcome",
		},
		[]string{"outcome"},
	)

	dispatchInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tip_dispatch_in_flight",
			Help:      "Tip-generation calls currently running",
		},
	)

	dispatchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tip_dispatch_duration_seconds",
			Help:      "Tip-generation call latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_listening",
			Help:      "Dashboard sessions currently listening",
		},
	)

	sessionStarts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_starts_total",
			Help:      "Listening sessions started",
		},
	)

	recognitionErrors := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_errors_total",
			Help:      "Recognizer failures that moved a session to error",
		},
	)

	transcriptChunks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_chunks_total",
			Help:      "Finalized transcript chunks accepted",
		},
	)

	relayRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Gemini relay requests by response status",
		},
		[]string{"status"},
	)

	relayDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_upstream_duration_seconds",
			Help:      "Upstream round-trip time for relayed requests",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	registry.MustRegister(
		dispatchTotal,
		dispatchInFlight,
		dispatchDuration,
		sessionsActive,
		sessionStarts,
		recognitionErrors,
		transcriptChunks,
		relayRequestsTotal,
		relayDuration,
	)

	return &Metrics{
		registry:           registry,
		DispatchTotal:      dispatchTotal,
		DispatchInFlight:   dispatchInFlight,
		DispatchDuration:   dispatchDuration,
		SessionsActive:     sessionsActive,
		SessionStarts:      sessionStarts,
		RecognitionErrors:  recognitionErrors,
		TranscriptChunks:   transcriptChunks,
		RelayRequestsTotal: relayRequestsTotal,
		RelayDuration:      relayDuration,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// DispatchStarted marks one tip-generation call as running.
func (m *Metrics) DispatchStarted() {
	if m == nil {
		return
	}
	m.DispatchInFlight.Inc()
}

// DispatchFinished records a completed tip-generation call.
func (m *Metrics) DispatchFinished(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DispatchInFlight.Dec()
	m.DispatchTotal.WithLabelValues(outcome).Inc()
	m.DispatchDuration.Observe(duration.Seconds())
}

// SessionStarted records a session entering listening.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionStarts.Inc()
	m.SessionsActive.Inc()
}

// SessionEnded records a session leaving listening.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// RecognitionFailed records one recognizer failure.
func (m *Metrics) RecognitionFailed() {
	if m == nil {
		return
	}
	m.RecognitionErrors.Inc()
}

// ChunkAccepted records one finalized transcript chunk.
func (m *Metrics) ChunkAccepted() {
	if m == nil {
		return
	}
	m.TranscriptChunks.Inc()
}

// RelayRequest records one relayed request and its upstream latency.
// A zero duration means the request never reached upstream.
func (m *Metrics) RelayRequest(status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RelayRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	if duration > 0 {
		m.RelayDuration.Observe(duration.Seconds())
	}
}
