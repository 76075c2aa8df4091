package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "gateway_connected_sessions",
			Help:        "Currently authenticated sessions by role.",
			ConstLabels: prometheus.Labels{"service": "gateway"},
		},
		[]string{"role"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "gateway_auth_attempts_total",
			Help:        "Handshake outcomes by auth mode.",
			ConstLabels: prometheus.Labels{"service": "gateway"},
		},
		[]string{"mode", "outcome"},
	)

	RelayedFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "gateway_relayed_frames_total",
			Help:        "Frames relayed to peers.",
			ConstLabels: prometheus.Labels{"service": "gateway"},
		},
		[]string{"mode"},
	)

	DroppedFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "gateway_dropped_frames_total",
			Help:        "Frames dropped instead of relayed.",
			ConstLabels: prometheus.Labels{"service": "gateway"},
		},
		[]string{"reason"},
	)

	RelayedFrameBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:        "gateway_relayed_frame_bytes",
			Help:        "Size of relayed frames.",
			Buckets:     prometheus.ExponentialBuckets(64, 4, 8),
			ConstLabels: prometheus.Labels{"service": "gateway"},
		},
	)
)

// MustRegister installs all gateway collectors on the default registerer.
// Call once from main; the collectors themselves work unregistered, which
// keeps tests free of registration conflicts.
func MustRegister() {
	prometheus.MustRegister(
		ConnectedSessions,
		AuthAttemptsTotal,
		RelayedFramesTotal,
		DroppedFramesTotal,
		RelayedFrameBytes,
	)
}
