// Package metrics declares the Prometheus instruments shared by all
// roles. Every binary exposes them on its /metrics endpoint; gauges that
// a role never touches simply stay at zero there.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Gateway metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mm_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mm_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_connections_rejected_total",
		Help: "Total connection rejections by reason",
	}, []string{"reason"})

	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_messages_received_total",
		Help: "Total client frames received by type",
	}, []string{"type"})

	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_messages_sent_total",
		Help: "Total server frames sent by type",
	}, []string{"type"})

	ProtocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_protocol_errors_total",
		Help: "Total ERROR frames sent by code",
	}, []string{"code"})

	Disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	// Matchmaker metrics
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mm_queue_depth",
		Help: "Length of the ready queue at the last matchmaker tick",
	})

	MatchesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mm_matches_created_total",
		Help: "Total games created by the matchmaker",
	})

	MatchCandidatesPulled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mm_match_candidates_pulled_total",
		Help: "Total queue entries inspected while assembling matches",
	})

	MatchCandidatesStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mm_match_candidates_stale_total",
		Help: "Total queue entries discarded because the player was no longer READY",
	})

	MatchTicksNoCapacity = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mm_match_ticks_no_capacity_total",
		Help: "Total matchmaker ticks aborted because no session had a free slot",
	})

	// Session runner metrics
	GamesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mm_games_active",
		Help: "Games currently hosted by this session runner",
	})

	GamesFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_games_finished_total",
		Help: "Total games finalized by reason",
	}, []string{"reason"})

	SlotsAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mm_slots_available",
		Help: "Free game slots advertised by this session runner",
	})

	// Reaper metrics
	PlayersReaped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_players_reaped_total",
		Help: "Total players demoted or purged by the reaper, by action",
	}, []string{"action"})

	QueueEntriesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mm_queue_entries_dropped_total",
		Help: "Total queue entries removed because the player record expired",
	})

	// Capacity provider metrics
	SessionsDesired = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mm_sessions_desired",
		Help: "Session count the capacity provider currently wants",
	})

	SessionsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mm_sessions_running",
		Help: "Session processes reported by the backend",
	})

	ScaleOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_scale_operations_total",
		Help: "Total scale operations by direction",
	}, []string{"direction"})

	ReconcileCorrections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_reconcile_corrections_total",
		Help: "Total reconciliation fixes by kind",
	}, []string{"kind"})

	UtilizationRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mm_utilization_ratio",
		Help: "Occupied slot fraction observed at the last capacity poll",
	})

	// Shared coordination metrics
	LockAcquisitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_lock_acquisitions_total",
		Help: "Lock acquisition attempts by lock and outcome",
	}, []string{"lock", "outcome"})

	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_store_errors_total",
		Help: "Coordination store command failures by operation",
	}, []string{"op"})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_events_published_total",
		Help: "Total events published by topic",
	}, []string{"topic"})

	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_events_delivered_total",
		Help: "Match events pushed to locally connected players, by kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(ConnectionsRejected)
	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(ProtocolErrors)
	prometheus.MustRegister(Disconnects)

	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(MatchesCreated)
	prometheus.MustRegister(MatchCandidatesPulled)
	prometheus.MustRegister(MatchCandidatesStale)
	prometheus.MustRegister(MatchTicksNoCapacity)

	prometheus.MustRegister(GamesActive)
	prometheus.MustRegister(GamesFinished)
	prometheus.MustRegister(SlotsAvailable)

	prometheus.MustRegister(PlayersReaped)
	prometheus.MustRegister(QueueEntriesDropped)

	prometheus.MustRegister(SessionsDesired)
	prometheus.MustRegister(SessionsRunning)
	prometheus.MustRegister(ScaleOperations)
	prometheus.MustRegister(ReconcileCorrections)
	prometheus.MustRegister(UtilizationRatio)

	prometheus.MustRegister(LockAcquisitions)
	prometheus.MustRegister(StoreErrors)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDelivered)
}

// Disconnect reasons.
const (
	DisconnectReasonReadError    = "read_error"
	DisconnectReasonHelloTimeout = "hello_timeout"
	DisconnectReasonRateLimit    = "rate_limit_exceeded"
	DisconnectReasonSlowClient   = "slow_client"
	DisconnectReasonShutdown     = "server_shutdown"
	DisconnectReasonClientClose  = "client_initiated"
)

// Lock outcome labels.
const (
	LockOutcomeAcquired = "acquired"
	LockOutcomeHeld     = "held"
	LockOutcomeError    = "error"
)

// RecordLockAttempt tracks one acquisition attempt on a named lock.
func RecordLockAttempt(lock, outcome string) {
	LockAcquisitions.WithLabelValues(lock, outcome).Inc()
}

// RecordStoreError tracks one failed store command.
func RecordStoreError(op string) {
	StoreErrors.WithLabelValues(op).Inc()
}
