package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	Turns              *prometheus.CounterVec
	StreamParseErrors  prometheus.Counter
	SpeechDispatches   *prometheus.CounterVec
	SpeechFallbacks    prometheus.Counter
	SpeechErrors       *prometheus.CounterVec
	Recordings         *prometheus.CounterVec
	Transcriptions     *prometheus.CounterVec
	FirstDeltaLatency  prometheus.Histogram
	FirstSpeechLatency prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active widget sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		Turns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Chat turns by outcome.",
		}, []string{"outcome"}),
		StreamParseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_parse_errors_total",
			Help:      "Malformed completion stream frames that were skipped.",
		}),
		SpeechDispatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_dispatches_total",
			Help:      "Utterances started by synthesis backend.",
		}, []string{"backend"}),
		SpeechFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_fallbacks_total",
			Help:      "Utterances that fell back from remote to local synthesis.",
		}),
		SpeechErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_errors_total",
			Help:      "Speech synthesis and playback errors by backend.",
		}, []string{"backend"}),
		Recordings: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Microphone recordings by capture strategy and result.",
		}, []string{"strategy", "result"}),
		Transcriptions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Transcription requests by result.",
		}, []string{"result"}),
		FirstDeltaLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_latency_ms",
			Help:      "Latency from request to first completion delta in milliseconds.",
			Buckets:   []float64{200, 400, 600, 800, 1000, 1500, 2500, 5000},
		}),
		FirstSpeechLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_speech_latency_ms",
			Help:      "Latency from request to first speech dispatch in milliseconds.",
			Buckets:   []float64{300, 600, 900, 1200, 2000, 3000, 5000},
		}),
		stages: newStageWindow(defaultStageSamples),
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveFirstDelta(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstDeltaLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageFirstDelta, d)
}

func (m *Metrics) ObserveFirstSpeech(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstSpeechLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageFirstSpeech, d)
}

func (m *Metrics) ObserveStreamParseError() {
	if m == nil {
		return
	}
	m.StreamParseErrors.Inc()
}

func (m *Metrics) ObserveSpeechDispatch(backend string) {
	if m == nil {
		return
	}
	m.SpeechDispatches.WithLabelValues(backend).Inc()
}

func (m *Metrics) ObserveSpeechFallback() {
	if m == nil {
		return
	}
	m.SpeechFallbacks.Inc()
	m.stages.Count(IndicatorFallback)
}

func (m *Metrics) ObserveSpeechError(backend string) {
	if m == nil {
		return
	}
	m.SpeechErrors.WithLabelValues(backend).Inc()
}

func (m *Metrics) ObserveRecording(strategy, result string) {
	if m == nil {
		return
	}
	m.Recordings.WithLabelValues(strategy, result).Inc()
}

func (m *Metrics) ObserveTranscription(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Transcriptions.WithLabelValues(result).Inc()
	if result == "ok" {
		m.stages.Observe(StageTranscription, d)
	}
}

// ObserveTurnStage records a latency sample in the rolling stage window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, d)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.Count(name)
}

// TurnStageSnapshot returns percentile stats for recent turns.
func (m *Metrics) TurnStageSnapshot() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
