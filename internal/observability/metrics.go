package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_bot_active_calls",
		Help: "Number of active conversations",
	})

	totalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bot_calls_total",
		Help: "Total number of conversations handled",
	})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bot_call_duration_seconds",
		Help:    "Duration of conversations in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Per-stage request metrics, stage: stt, llm, tts
	stageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bot_stage_requests_total",
		Help: "Total number of requests per pipeline stage",
	}, []string{"stage", "status"})

	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_bot_stage_latency_seconds",
		Help:    "Request latency per pipeline stage in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	// Pipeline processor metrics
	ttfbSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_bot_processor_ttfb_seconds",
		Help:    "Time to first byte per processor in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"processor"})

	ttsCharacters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bot_tts_characters_total",
		Help: "Characters sent for speech synthesis",
	}, []string{"processor"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bot_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_bot_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bot_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bot_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single conversation
type Metrics struct {
	callID    string
	startTime time.Time
	mu        sync.Mutex
	started   map[string]time.Time
}

// NewCallMetrics creates a new metrics tracker for a conversation
func NewCallMetrics(callID string) *Metrics {
	return &Metrics{
		callID:    callID,
		startTime: time.Now(),
		started:   make(map[string]time.Time),
	}
}

// RecordCallStart records the start of a conversation
func (m *Metrics) RecordCallStart() {
	activeCalls.Inc()
	totalCalls.Inc()
}

// RecordCallEnd records the end of a conversation
func (m *Metrics) RecordCallEnd() {
	activeCalls.Dec()
	callDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordStageStart records the start of work in a pipeline stage
func (m *Metrics) RecordStageStart(stage string) {
	m.mu.Lock()
	m.started[stage] = time.Now()
	m.mu.Unlock()
}

// RecordStageEnd records the end of work in a pipeline stage
func (m *Metrics) RecordStageEnd(stage string, success bool) {
	m.mu.Lock()
	start, ok := m.started[stage]
	delete(m.started, stage)
	m.mu.Unlock()

	if ok {
		stageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	stageRequests.WithLabelValues(stage, status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// ProcessorMetrics exports pipeline processor measurements to Prometheus
type ProcessorMetrics struct{}

// ObserveTTFB records the time to first byte of a processor
func (ProcessorMetrics) ObserveTTFB(processor string, d time.Duration) {
	ttfbSeconds.WithLabelValues(processor).Observe(d.Seconds())
}

// AddTTSUsage records the number of characters a processor sent for synthesis
func (ProcessorMetrics) AddTTSUsage(processor string, characters int) {
	ttsCharacters.WithLabelValues(processor).Add(float64(characters))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
