package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Currently active voice sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_total",
		Help: "Total voice sessions accepted",
	})

	SessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sessions_rejected_total",
		Help: "Connections refused before a session was created",
	}, []string{"reason"})

	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_turns_total",
		Help: "Conversation turns by input source",
	}, []string{"source"})

	TranscriptsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_final_transcripts_dropped_total",
		Help: "Final transcripts dropped because a turn was already in flight",
	})

	AudioChunksIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_audio_chunks_in_total",
		Help: "Client audio frames forwarded upstream",
	})

	AudioBytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_audio_bytes_out_total",
		Help: "Synthesized audio bytes delivered to clients",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_turn_duration_seconds",
		Help:    "End-to-end latency from final transcript to synthesis complete",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0, 10.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	ConversationsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_conversations_saved_total",
		Help: "Conversation records flushed at session end",
	})
)
