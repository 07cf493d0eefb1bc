// Package metrics exposes Prometheus counters for the voice agent.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/voiceagent/domain/entities"
)

// Collector records session, audio and HTTP metrics into its own registry
type Collector struct {
	registry *prometheus.Registry

	// audio pipeline
	framesCaptured prometheus.Counter
	framesSent     prometheus.Counter
	framesDropped  *prometheus.CounterVec
	playback       *prometheus.CounterVec

	// session
	inboundMessages  *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	sessionsStarted  prometheus.Counter

	// control API
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector registered in a fresh registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.framesCaptured = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_frames_captured_total",
		Help:      "Microphone blocks captured and encoded",
	})

	c.framesSent = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_frames_sent_total",
		Help:      "Encoded blocks sent to the speech pipeline",
	})

	c.framesDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Encoded blocks discarded before transmission",
		},
		[]string{"reason"},
	)

	c.playback = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_chunks_total",
			Help:      "Synthesized audio chunks by playback outcome",
		},
		[]string{"result"},
	)

	c.inboundMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Messages received from the speech pipeline",
		},
		[]string{"type"},
	)

	c.stateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Voice session state transitions",
		},
		[]string{"from", "to"},
	)

	c.sessionsStarted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_started_total",
		Help:      "Voice sessions requested",
	})

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of control API requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	return c
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// FrameCaptured implements session.Observer
func (c *Collector) FrameCaptured() {
	c.framesCaptured.Inc()
}

// FrameSent implements session.Observer
func (c *Collector) FrameSent() {
	c.framesSent.Inc()
}

// FrameDropped implements session.Observer
func (c *Collector) FrameDropped(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}

// InboundMessage implements session.Observer
func (c *Collector) InboundMessage(messageType string) {
	c.inboundMessages.WithLabelValues(messageType).Inc()
}

// StateTransition implements session.Observer
func (c *Collector) StateTransition(from, to entities.SessionState) {
	c.stateTransitions.WithLabelValues(string(from), string(to)).Inc()
	if from == entities.SessionStateIdle && to == entities.SessionStateConnecting {
		c.sessionsStarted.Inc()
	}
}

// ObservePlayback implements playback.Observer
func (c *Collector) ObservePlayback(result string) {
	c.playback.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records one control API request
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
