package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_allocations_total",
			Help: "Agones game server allocation attempts made while creating server records",
		},
		[]string{"result"}, // success|failure
	)

	AllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mm_allocation_duration_seconds",
			Help:    "Duration of Agones allocations",
			Buckets: prometheus.DefBuckets,
		},
	)

	Connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mm_connections",
			Help: "Open websocket connections",
		},
		[]string{"endpoint"}, // matchmaking|handshake
	)

	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_state_transitions_total",
			Help: "Ticket state messages sent to matchmaking clients",
		},
		[]string{"state"},
	)

	Outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_outcomes_total",
			Help: "How matchmaking connections ended",
		},
		[]string{"outcome"}, // joined|timeout|abandoned|maintenance|not_found|party_not_found|error|disconnected
	)

	QueueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mm_queue_wait_seconds",
			Help:    "Time from first QUEUED to JOIN",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		},
	)

	GameSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mm_game_sessions",
			Help: "Dedicated server sessions registered over the handshake endpoint",
		},
	)

	RegistryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_registry_ops_total",
			Help: "Server registry operations",
		},
		[]string{"op", "result"},
	)
)

func init() {
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(AllocationDuration)
	prometheus.MustRegister(Connections)
	prometheus.MustRegister(StateTransitions)
	prometheus.MustRegister(Outcomes)
	prometheus.MustRegister(QueueWait)
	prometheus.MustRegister(GameSessions)
	prometheus.MustRegister(RegistryOps)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
