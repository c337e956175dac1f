package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "soldin_sessions_active",
		Help: "Number of occupied session slots",
	}, []string{"kind"})

	ConnectionsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soldin_connections_accepted_total",
		Help: "Total number of accepted connections",
	}, []string{"kind"})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soldin_connections_rejected_total",
		Help: "Total number of rejected connections",
	}, []string{"reason"})

	// Wire traffic
	BytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soldin_bytes_in_total",
		Help: "Bytes drained from client sockets",
	})

	BytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soldin_bytes_out_total",
		Help: "Bytes flushed to client sockets",
	})

	PacketsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soldin_packets_dispatched_total",
		Help: "Packets handed to command handlers",
	}, []string{"kind"})

	// Gateway business metrics
	LoginResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soldin_login_results_total",
		Help: "Login attempts by outcome",
	}, []string{"result"})

	ResolveRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soldin_session_resolve_total",
		Help: "Session handoff resolutions requested by squares",
	}, []string{"result"})

	RegisteredSquares = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "soldin_squares_registered",
		Help: "Square hosts currently registered with the gateway",
	})

	// Square host metrics
	StageOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "soldin_stage_players",
		Help: "Players per stage",
	}, []string{"stage"})

	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "soldin_store_latency_seconds",
		Help:    "External store operation latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to 1s
	}, []string{"op"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "soldin_tick_duration_seconds",
		Help:    "Server loop tick duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us to ~400ms
	})
)

// IncConnectionRejected increments the connection rejected counter
func IncConnectionRejected(reason string) {
	ConnectionsRejected.WithLabelValues(reason).Inc()
}
