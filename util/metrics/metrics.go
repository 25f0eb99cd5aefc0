package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BroadcastsTotal tracks the total number of broadcasts by terminal status
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanverse_broadcasts_total",
			Help: "Total number of broadcasts by status transition",
		},
		[]string{"status"},
	)

	// DeliveriesTotal tracks the total number of message deliveries by outcome
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanverse_deliveries_total",
			Help: "Total number of per-user message delivery attempts",
		},
		[]string{"shard", "outcome"},
	)

	// ShardDispatchDuration tracks the duration of per-shard broadcast dispatch
	ShardDispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanverse_shard_dispatch_duration_seconds",
			Help:    "Duration of a shard's broadcast fan-out, batching included",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
		[]string{"shard"},
	)

	// ShardUsers tracks the number of active users per shard
	ShardUsers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fanverse_shard_users",
			Help: "Number of active users in each shard's roster",
		},
		[]string{"shard"},
	)

	// ConnectedUsers tracks the number of live user connections
	ConnectedUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fanverse_connected_users",
			Help: "Number of user actors holding a live connection",
		},
	)

	// PendingMessages tracks pending messages persisted for later replay
	PendingMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanverse_pending_messages_total",
			Help: "Pending message lifecycle events (queued, replayed, abandoned)",
		},
		[]string{"event"},
	)

	// HeartbeatsTotal tracks heartbeat frames sent to live connections
	HeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanverse_heartbeats_total",
			Help: "Total number of heartbeat frames sent",
		},
	)

	// ForcedClosesTotal tracks connections force-closed after repeated send failures
	ForcedClosesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanverse_forced_closes_total",
			Help: "Connections closed after exceeding the send failure threshold",
		},
	)
)
