/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "equiplet_grid"

var (
	// HTTP
	APIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Grid API requests by method, route pattern and status.",
	}, []string{"method", "route", "status"})

	APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "Grid API request latency by route pattern.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	APIActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "api_active_connections",
		Help:      "In-flight HTTP requests.",
	})

	// Ledger
	LedgerReservations = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ledger_reservations",
		Help:      "Reservations currently held per equiplet.",
	}, []string{"equiplet"})

	LedgerLoad = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ledger_load_ratio",
		Help:      "Last computed load over the load window per equiplet.",
	}, []string{"equiplet"})

	LedgerConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_conflicts_total",
		Help:      "Rejected overlapping reservation inserts per equiplet.",
	}, []string{"equiplet"})

	LedgerLoadAnomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_load_anomalies_total",
		Help:      "Load computations where occupied ticks exceeded the window.",
	}, []string{"equiplet"})

	// Agents
	EquipletState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "equiplet_state",
		Help:      "1 for the current state of each equiplet, 0 otherwise.",
	}, []string{"equiplet", "state"})

	StepTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "step_transitions_total",
		Help:      "Product step status transitions by target status.",
	}, []string{"status"})

	DirectoryPublicationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "directory_publications_total",
		Help:      "Directory publications by result.",
	}, []string{"result"})

	AgentTerminationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_terminations_total",
		Help:      "Fatal agent terminations by agent kind and reason.",
	}, []string{"kind", "reason"})

	PlaceholderFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "placeholder_failures_total",
		Help:      "Steps left unresolved during placeholder resolution.",
	})

	// Negotiation
	NegotiationConversationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "negotiation_conversations_total",
		Help:      "Finished negotiation conversations by outcome.",
	}, []string{"outcome"})

	NegotiationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "negotiation_duration_seconds",
		Help:      "Time until every conversation of a negotiation has finished.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 20, 30},
	})

	SchedulingAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduling_attempts_total",
		Help:      "ScheduleStep requests by result.",
	}, []string{"result"})

	// Blackboard and event bus
	BlackboardOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blackboard_operations_total",
		Help:      "Blackboard operations by backend, operation and result.",
	}, []string{"backend", "operation", "result"})

	EventBusDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eventbus_dropped_total",
		Help:      "Events dropped because a subscriber did not keep up.",
	}, []string{"event_type"})

	// Database
	DatabaseQueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "database_query_duration_seconds",
		Help:      "gorm operation latency by operation and table.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "database_errors_total",
		Help:      "gorm operation errors by operation and kind.",
	}, []string{"operation", "kind"})

	DatabaseConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "database_connections_active",
		Help:      "Open connections in the SQL pool.",
	})

	// Leader election
	LeaderElectionStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leader_election_status",
		Help:      "1 if this instance holds the intake leadership.",
	}, []string{"instance_id"})

	LeaderElectionChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leader_election_changes_total",
		Help:      "Leadership acquisitions and losses.",
	}, []string{"instance_id", "change"})
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRequestDuration, APIActiveConnections,
		LedgerReservations, LedgerLoad, LedgerConflicts, LedgerLoadAnomalies,
		EquipletState, StepTransitionsTotal, DirectoryPublicationsTotal, AgentTerminationsTotal,
		PlaceholderFailuresTotal,
		NegotiationConversationsTotal, NegotiationDuration, SchedulingAttemptsTotal,
		BlackboardOperationsTotal, EventBusDroppedTotal,
		DatabaseQueryDuration, DatabaseErrorsTotal, DatabaseConnectionsActive,
		LeaderElectionStatus, LeaderElectionChanges,
	)
}

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
