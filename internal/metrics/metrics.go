// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dualscribe"

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Capture session metrics
	SessionsStarted *prometheus.CounterVec
	SessionsActive  *prometheus.GaugeVec
	SessionsFailed  *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Audio metrics
	AudioBytesReceived  *prometheus.CounterVec
	AudioFramesReceived *prometheus.CounterVec
	FramesDropped       *prometheus.CounterVec

	// Framing metrics
	ProtocolErrors prometheus.Counter
	UnknownTags    prometheus.Counter

	// Transcript metrics
	TranscriptsPartial *prometheus.CounterVec
	TranscriptsFinal   *prometheus.CounterVec
	TranscriptErrors   *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of capture sessions started",
		}, []string{"source"}),
		SessionsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active capture sessions",
		}, []string{"source"}),
		SessionsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of capture sessions that failed",
		}, []string{"source", "reason"}),
		SessionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of capture sessions in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"source"}),

		AudioBytesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received from the capture helper",
		}, []string{"source"}),
		AudioFramesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received from the capture helper",
		}, []string{"source"}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Total audio frames dropped before reaching the transcription link",
		}, []string{"source", "reason"}),

		ProtocolErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "framing_protocol_errors_total",
			Help:      "Total number of malformed frames on the data channel",
		}),
		UnknownTags: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "framing_unknown_tags_total",
			Help:      "Total number of frames carrying an unrecognized source tag",
		}),

		TranscriptsPartial: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of interim transcripts received",
		}, []string{"source"}),
		TranscriptsFinal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts received",
		}, []string{"source"}),
		TranscriptErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_errors_total",
			Help:      "Total number of transcription engine errors",
		}, []string{"source"}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordSessionStart records a capture session becoming active.
func (m *Metrics) RecordSessionStart(src string) {
	m.SessionsStarted.WithLabelValues(src).Inc()
	m.SessionsActive.WithLabelValues(src).Inc()
}

// RecordSessionEnd records a capture session ending.
func (m *Metrics) RecordSessionEnd(src string, durationSeconds float64) {
	m.SessionsActive.WithLabelValues(src).Dec()
	m.SessionDuration.WithLabelValues(src).Observe(durationSeconds)
}

// RecordSessionFailed records a capture session failing to start or crashing.
func (m *Metrics) RecordSessionFailed(src, reason string) {
	m.SessionsFailed.WithLabelValues(src, reason).Inc()
}

// RecordAudioReceived records audio bytes and frames received for a source.
func (m *Metrics) RecordAudioReceived(src string, bytes int) {
	m.AudioBytesReceived.WithLabelValues(src).Add(float64(bytes))
	m.AudioFramesReceived.WithLabelValues(src).Inc()
}

// RecordFrameDropped records a frame dropped before delivery.
func (m *Metrics) RecordFrameDropped(src, reason string) {
	m.FramesDropped.WithLabelValues(src, reason).Inc()
}

// RecordProtocolError records a malformed frame on the data channel.
func (m *Metrics) RecordProtocolError() {
	m.ProtocolErrors.Inc()
}

// RecordUnknownTag records a frame with an unrecognized source tag.
func (m *Metrics) RecordUnknownTag() {
	m.UnknownTags.Inc()
}

// RecordPartialTranscript records an interim transcript for a source.
func (m *Metrics) RecordPartialTranscript(src string) {
	m.TranscriptsPartial.WithLabelValues(src).Inc()
}

// RecordFinalTranscript records a final transcript for a source.
func (m *Metrics) RecordFinalTranscript(src string) {
	m.TranscriptsFinal.WithLabelValues(src).Inc()
}

// RecordTranscriptError records a transcription engine error for a source.
func (m *Metrics) RecordTranscriptError(src string) {
	m.TranscriptErrors.WithLabelValues(src).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
