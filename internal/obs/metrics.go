package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// agent
var (
	ActiveListeners      = promauto.NewGauge(prometheus.GaugeOpts{Name: "showoff_agent_active_listeners", Help: "Listeners currently held in the registry"})
	ForwardLoops         = promauto.NewGauge(prometheus.GaugeOpts{Name: "showoff_agent_forward_loops", Help: "Forward loops currently running"})
	ForwardedConnsTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "showoff_agent_forwarded_connections_total", Help: "Remote connections forwarded to a local target"})
	SessionConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "showoff_agent_session_connects_total", Help: "Session connect attempts by result"}, []string{"result"})
	ReconnectsTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "showoff_agent_reconnects_total", Help: "Session reconnects after a lost connection"})
	HeartbeatSeconds     = promauto.NewHistogram(prometheus.HistogramOpts{Name: "showoff_agent_heartbeat_seconds", Help: "Heartbeat round trip latency", Buckets: prometheus.ExponentialBuckets(0.001, 2, 14)})
)

// relay
var (
	ActiveSessions        = promauto.NewGauge(prometheus.GaugeOpts{Name: "showoff_active_sessions", Help: "Current agent sessions"})
	RegisteredListeners   = promauto.NewGauge(prometheus.GaugeOpts{Name: "showoff_registered_listeners", Help: "Listeners bound by agents"})
	StreamsOpenedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "showoff_streams_opened_total", Help: "Data streams opened towards agents"})
	RateLimitedTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "showoff_rate_limited_total", Help: "Connections rejected by rate limiting"}, []string{"kind"})
	StreamDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "showoff_stream_duration_seconds", Help: "Data stream lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)

// ErrorsTotal counts errors by type on both sides.
var ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "showoff_errors_total", Help: "Errors by type"}, []string{"type"})
