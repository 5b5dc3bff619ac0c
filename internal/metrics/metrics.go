// Package metrics holds the Prometheus instruments of the feedback client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedbackmic_sessions_started_total",
		Help: "Recording attempts started",
	})
	RecordingsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackmic_recordings_completed_total",
		Help: "Recording attempts that produced an artifact, by mime type",
	}, []string{"mime"})
	RecordingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedbackmic_recording_duration_seconds",
		Help:    "Duration of finalized recordings",
		Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120},
	})

	ChunksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedbackmic_realtime_chunks_sent_total",
		Help: "Binary audio frames written to the realtime socket",
	})
	ChunkBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedbackmic_realtime_chunk_bytes",
		Help:    "Size of audio frames written to the realtime socket",
		Buckets: prometheus.ExponentialBuckets(256, 2, 10),
	})
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackmic_realtime_reconnects_total",
		Help: "Realtime reconnect attempts by outcome",
	}, []string{"outcome"})
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackmic_realtime_inbound_total",
		Help: "Inbound realtime messages by type",
	}, []string{"type"})

	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackmic_status_polls_total",
		Help: "Status polls by resulting status",
	}, []string{"status"})
	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedbackmic_upload_duration_seconds",
		Help:    "Feedback upload latency",
		Buckets: prometheus.DefBuckets,
	})
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackmic_gateway_requests_total",
		Help: "Gateway REST requests by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	Playbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackmic_tts_playbacks_total",
		Help: "TTS playbacks by outcome",
	}, []string{"outcome"})

	FlowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackmic_flow_transitions_total",
		Help: "Session flow step transitions",
	}, []string{"step", "reason"})
)
