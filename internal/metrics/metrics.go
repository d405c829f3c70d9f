// Package metrics holds the Prometheus collectors for the realtime gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "callguard"

type Metrics struct {
	// Connection metrics
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsClosed *prometheus.CounterVec
	MessagesIn        *prometheus.CounterVec
	MessagesOut       *prometheus.CounterVec
	RateLimited       prometheus.Counter
	QueueRejected     prometheus.Counter
	HeartbeatTimeouts prometheus.Counter

	// Session metrics
	SessionsStarted  prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionsEnded    *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Audio metrics
	ChunksProcessed prometheus.Counter
	ChunkErrors     *prometheus.CounterVec
	AudioBytes      prometheus.Counter
	Segments        prometheus.Counter
	ChunkLatency    prometheus.Histogram
	StreamsActive   prometheus.Gauge

	// Pipeline metrics
	PipelineJobs    *prometheus.CounterVec
	PipelineLatency *prometheus.HistogramVec
	EventsPublished *prometheus.CounterVec
}

// New builds the collectors and registers them on reg. A nil reg creates
// unregistered collectors, which lets tests build as many as they like.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted WebSocket connections",
		}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently registered connections",
		}),
		ConnectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Closed connections by reason",
		}, []string{"reason"}),
		MessagesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages by type",
		}, []string{"type"}),
		MessagesOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages by outcome",
		}, []string{"outcome"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rate_limited_total",
			Help:      "Inbound messages dropped by the per-connection rate limit",
		}),
		QueueRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_total",
			Help:      "Outbound messages rejected because the queue was full",
		}),
		HeartbeatTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections closed for missing heartbeats",
		}),

		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of call sessions started",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions not yet ended",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Ended sessions by reason",
		}, []string{"reason"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnection attempts by result",
		}, []string{"result"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of call sessions in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		ChunksProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_processed_total",
			Help:      "Total audio chunks processed",
		}),
		ChunkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunk_errors_total",
			Help:      "Rejected or failed audio chunks by reason",
		}, []string{"reason"}),
		AudioBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes processed",
		}),
		Segments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_segments_total",
			Help:      "Total speech segments emitted",
		}),
		ChunkLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_chunk_latency_seconds",
			Help:      "Per-chunk processing latency",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
		StreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_streams_active",
			Help:      "Number of active audio streams",
		}),

		PipelineJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_jobs_total",
			Help:      "Segment pipeline jobs by result",
		}, []string{"result"}),
		PipelineLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_seconds",
			Help:      "Segment pipeline stage latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"stage"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Kafka events by topic and result",
		}, []string{"topic", "result"}),
	}
}

// Noop returns unregistered collectors.
func Noop() *Metrics { return New(nil) }

func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) RecordConnectionClosed(reason string) {
	m.ConnectionsActive.Dec()
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSessionStart() {
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd(reason string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordChunk(bytes int, latencySeconds float64) {
	m.ChunksProcessed.Inc()
	m.AudioBytes.Add(float64(bytes))
	m.ChunkLatency.Observe(latencySeconds)
}
