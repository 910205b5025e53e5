package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "david_relay_active_sessions",
		Help: "Number of open relay sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "david_relay_sessions_total",
		Help: "Total number of accepted relay sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "david_relay_session_duration_seconds",
		Help:    "Duration of relay sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	sessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "david_relay_sessions_rejected_total",
		Help: "Sessions closed before reaching the active state",
	}, []string{"reason"}) // reason: wrong_credentials, token_not_received

	// Conversation metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "david_relay_turns_total",
		Help: "Completed conversational turns",
	}, []string{"mode"}) // mode: text, voice

	voiceActivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "david_relay_voice_activations_total",
		Help: "Sessions switched to voice mode",
	})

	// Completion metrics
	completionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "david_relay_completion_requests_total",
		Help: "Total number of completion requests",
	}, []string{"provider", "status"})

	completionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "david_relay_completion_latency_seconds",
		Help:    "Completion request latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"provider"})

	// Synthesis metrics
	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "david_relay_synthesis_requests_total",
		Help: "Total number of synthesis requests",
	}, []string{"status"})

	synthesisFirstChunk = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "david_relay_synthesis_first_chunk_seconds",
		Help:    "Time from synthesis request to first audio chunk",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	audioBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "david_relay_audio_bytes_sent_total",
		Help: "Total audio bytes forwarded to clients",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "david_relay_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "david_relay_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single relay session
type SessionMetrics struct {
	startTime    time.Time
	ttsStartTime time.Time
	firstChunk   bool
	ended        bool
	mu           sync.Mutex
}

// NewSessionMetrics creates a metrics tracker and counts the session as open.
func NewSessionMetrics() *SessionMetrics {
	activeSessions.Inc()
	totalSessions.Inc()
	return &SessionMetrics{startTime: time.Now()}
}

// RecordSessionEnd records the end of a session. Safe to call more than once.
func (m *SessionMetrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordRejected records a session closed during authentication.
func (m *SessionMetrics) RecordRejected(reason string) {
	sessionsRejected.WithLabelValues(reason).Inc()
}

// RecordTurn records a completed conversational turn.
func (m *SessionMetrics) RecordTurn(voice bool) {
	mode := "text"
	if voice {
		mode = "voice"
	}
	turnsTotal.WithLabelValues(mode).Inc()
}

// RecordVoiceActivated records a switch to voice mode.
func (m *SessionMetrics) RecordVoiceActivated() {
	voiceActivations.Inc()
}

// RecordTTSStart records the start of a synthesis request
func (m *SessionMetrics) RecordTTSStart() {
	m.mu.Lock()
	m.ttsStartTime = time.Now()
	m.firstChunk = false
	m.mu.Unlock()
}

// RecordTTSChunk records one forwarded audio chunk.
func (m *SessionMetrics) RecordTTSChunk(bytes int) {
	m.mu.Lock()
	if !m.firstChunk && !m.ttsStartTime.IsZero() {
		m.firstChunk = true
		synthesisFirstChunk.Observe(time.Since(m.ttsStartTime).Seconds())
	}
	m.mu.Unlock()
	audioBytesSent.Add(float64(bytes))
}

// RecordTTSEnd records the end of a synthesis request
func (m *SessionMetrics) RecordTTSEnd(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	synthesisRequests.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// ObserveCompletion records one completion request against provider.
func ObserveCompletion(provider string, start time.Time, err error) {
	completionLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	completionRequests.WithLabelValues(provider, status).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
