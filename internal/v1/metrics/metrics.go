// Package metrics declares the Prometheus metrics exported by the room
// engine.
//
// Naming convention: namespace_subsystem_name
// - namespace: room_engine (application-level grouping)
// - subsystem: room, snapshot, intent, ack, sync, rate_limit, redis, circuit_breaker, schema
// - name: specific metric
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveRooms tracks the current number of active rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "room_engine",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomPlayers tracks the number of players in each room.
	RoomPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "room_engine",
		Subsystem: "room",
		Name:      "players_count",
		Help:      "Number of players in each room",
	}, []string{"room_code"})

	// EventsTotal tracks the total number of authoritative events emitted.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "room_engine",
		Subsystem: "room",
		Name:      "events_total",
		Help:      "Total authoritative events emitted, per room",
	}, []string{"room_code"})

	// SnapshotsTotal tracks snapshots taken per room.
	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "room_engine",
		Subsystem: "snapshot",
		Name:      "snapshots_total",
		Help:      "Total snapshots taken, per room",
	}, []string{"room_code", "reason"})

	// IntentsTotal tracks intents processed by outcome.
	IntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "room_engine",
		Subsystem: "intent",
		Name:      "processed_total",
		Help:      "Total intents processed, by outcome",
	}, []string{"outcome"})

	// IntentProcessingDuration tracks intent pipeline latency.
	IntentProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "room_engine",
		Subsystem: "intent",
		Name:      "processing_seconds",
		Help:      "Time spent processing an intent end to end",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"action"})

	// AckLatency tracks round-trip ack latency.
	AckLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "room_engine",
		Subsystem: "ack",
		Name:      "latency_seconds",
		Help:      "Latency between broadcast and client ack",
		Buckets:   prometheus.DefBuckets,
	}, []string{"room_code"})

	// AckMissingTotal tracks versions that timed out waiting for ack.
	AckMissingTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "room_engine",
		Subsystem: "ack",
		Name:      "missing_total",
		Help:      "Total ack timeouts triggering resync",
	}, []string{"room_code"})

	// SyncBroadcastsTotal tracks full vs delta broadcasts.
	SyncBroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "room_engine",
		Subsystem: "sync",
		Name:      "broadcasts_total",
		Help:      "Total broadcasts sent, by kind (full/delta)",
	}, []string{"room_code", "kind"})

	// CircuitBreakerState mirrors the bus circuit breaker's state.
	// 0: Closed, 1: Open, 2: Half-Open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "room_engine",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected by the circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "room_engine",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks requests that exceeded a rate limit tier.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "room_engine",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by the rate limiter",
	}, []string{"tier"})

	// RateLimitRequests tracks requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "room_engine",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total requests checked against the rate limiter",
	}, []string{"tier"})

	// RedisOperationsTotal tracks Redis bus operations.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "room_engine",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks Redis bus operation latency.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "room_engine",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// ValidationFailuresTotal tracks schema/grammar validation failures.
	ValidationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "room_engine",
		Subsystem: "schema",
		Name:      "validation_failures_total",
		Help:      "Total inbound messages rejected by schema validation",
	}, []string{"message_type"})
)
