// Package metrics holds the process-wide prometheus collectors. Collectors are
// usable before registration, so packages update them unconditionally and
// only cmd/radio exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	FramesSent = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "radio_voice_frames_sent_total", Help: "Opus frames delivered to the voice transport"},
	)
	TracksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "radio_tracks_completed_total", Help: "Tracks played to the end"},
	)
	TrackErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "radio_track_errors_total", Help: "Tracks skipped because they could not be opened or decoded"},
	)
	ReconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "radio_voice_reconnect_attempts_total", Help: "Voice reconnect attempts"},
		[]string{"result"},
	)
	SessionState = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "radio_voice_session_state", Help: "0=disconnected 1=connecting 2=connected 3=degraded 4=reconnecting"},
	)
	HealthVerdict = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "radio_health_verdict", Help: "0=healthy 1=degraded 2=critical"},
	)
	HeartbeatLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "radio_voice_heartbeat_latency_seconds",
			Help:    "Gateway heartbeat round trip",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)
	StateWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "radio_state_writes_total", Help: "Canonical state file writes"},
		[]string{"result"},
	)
	Snapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "radio_snapshots_total", Help: "Snapshot archive operations"},
		[]string{"kind", "result"},
	)
)

// RegisterMetrics adds every collector to the default registry.
func RegisterMetrics() {
	prometheus.MustRegister(
		FramesSent,
		TracksCompleted,
		TrackErrors,
		ReconnectAttempts,
		SessionState,
		HealthVerdict,
		HeartbeatLatency,
		StateWrites,
		Snapshots,
	)
}

// Result maps an error to a metric label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
