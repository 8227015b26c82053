package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Channel metrics
	channelSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livecaption_channel_subscribers",
		Help: "Current subscribers per broadcast channel",
	}, []string{"channel"})

	hotChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livecaption_hot_channels",
		Help: "Number of language channels with at least one subscriber",
	})

	deliveredMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecaption_messages_delivered_total",
		Help: "Messages enqueued to subscribers",
	}, []string{"channel"})

	droppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecaption_messages_dropped_total",
		Help: "Messages dropped before reaching a subscriber",
	}, []string{"channel", "reason"}) // reason: overflow, stale_seq, gated, translation

	// Connection metrics
	activeConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livecaption_active_connections",
		Help: "Open subscriber connections",
	}, []string{"kind"})

	connectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecaption_connections_total",
		Help: "Subscriber connections accepted",
	}, []string{"kind"})

	staleSubscribers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecaption_stale_subscribers_total",
		Help: "Subscribers marked stale",
	}, []string{"kind", "reason"})

	// Session metrics
	sessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livecaption_session_state",
		Help: "1 for the current session state, 0 otherwise",
	}, []string{"state"})

	sessionGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livecaption_session_generation",
		Help: "Generation of the current recognition stream",
	})

	sessionRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecaption_session_restarts_total",
		Help: "Recognition stream restarts",
	}, []string{"reason"}) // reason: rollover, stall, language, lost

	segmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecaption_segments_total",
		Help: "Recognized segments",
	}, []string{"kind"}) // kind: partial, final

	// Translation metrics
	translationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecaption_translation_requests_total",
		Help: "Translation requests per target language",
	}, []string{"language", "status"})

	translationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livecaption_translation_latency_seconds",
		Help:    "Translation latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"language"})

	// TTS metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecaption_tts_requests_total",
		Help: "Total number of TTS requests",
	}, []string{"status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "livecaption_tts_latency_seconds",
		Help:    "TTS processing latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecaption_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livecaption_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecaption_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecaption_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"stage"}) // stage: captured, sent, dropped
)

// SetChannelSubscribers records the subscriber count of a channel
func SetChannelSubscribers(channel string, n int) {
	channelSubscribers.WithLabelValues(channel).Set(float64(n))
}

// SetHotChannels records the number of hot language channels
func SetHotChannels(n int) {
	hotChannels.Set(float64(n))
}

// RecordDelivered counts a message enqueued to one subscriber
func RecordDelivered(channel string) {
	deliveredMessages.WithLabelValues(channel).Inc()
}

// RecordDropped counts a message dropped for a channel
func RecordDropped(channel, reason string) {
	droppedMessages.WithLabelValues(channel, reason).Inc()
}

// ConnectionOpened records a new subscriber connection
func ConnectionOpened(kind string) {
	connectionsTotal.WithLabelValues(kind).Inc()
	activeConnections.WithLabelValues(kind).Inc()
}

// ConnectionClosed records a closed subscriber connection
func ConnectionClosed(kind string) {
	activeConnections.WithLabelValues(kind).Dec()
}

// RecordStale counts a subscriber marked stale
func RecordStale(kind, reason string) {
	staleSubscribers.WithLabelValues(kind, reason).Inc()
}

// SetSessionState marks state as the current session state
func SetSessionState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		sessionState.WithLabelValues(s).Set(v)
	}
}

// SetSessionGeneration records the current stream generation
func SetSessionGeneration(generation uint64) {
	sessionGeneration.Set(float64(generation))
}

// RecordSessionRestart counts a stream restart
func RecordSessionRestart(reason string) {
	sessionRestarts.WithLabelValues(reason).Inc()
}

// RecordSegment counts a recognized segment
func RecordSegment(final bool) {
	kind := "partial"
	if final {
		kind = "final"
	}
	segmentsTotal.WithLabelValues(kind).Inc()
}

// RecordTranslation records the outcome and latency of one translation request
func RecordTranslation(language string, success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	translationRequests.WithLabelValues(language, status).Inc()
	translationLatency.WithLabelValues(language).Observe(latency.Seconds())
}

// RecordTTS records the outcome and latency of one synthesis request
func RecordTTS(success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	ttsRequests.WithLabelValues(status).Inc()
	ttsLatency.Observe(latency.Seconds())
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes at a pipeline stage
func RecordAudioBytes(stage string, bytes int) {
	audioBytesProcessed.WithLabelValues(stage).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
