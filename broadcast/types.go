// Package broadcast implements the three-tier fan-out pipeline: a global
// coordinator, one processor per shard, and one actor per user. The tiers
// communicate only through the actor registry.
package broadcast

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Actions understood by the pipeline's actors. Together with the registry's
// Dispatch/Call they form the internal actor-to-actor RPC surface.
const (
	// UserActor actions
	ActionDeliver        = "deliver"
	ActionConnect        = "connect"
	ActionDisconnect     = "disconnect"
	ActionHeartbeatTick  = "heartbeatTick"
	ActionRecordDelivery = "recordDelivery"
	ActionControlFrame   = "controlFrame"

	// ShardProcessor actions
	ActionHandleBroadcast = "handleBroadcast"
	ActionRegisterUser    = "registerUser"
	ActionUnregisterUser  = "unregisterUser"
	ActionAddToRoster     = "addToRoster"
	ActionRemoveFromRoster = "removeFromRoster"
	ActionCleanupUsers    = "cleanupUsers"
	ActionReportDelivery  = "reportDelivery"
	ActionHealth          = "health"

	// internal ShardProcessor bookkeeping
	actionAccumulateDelivered = "accumulateDelivered"
	actionFlushDelivered      = "flushDelivered"

	// BroadcastCoordinator actions
	ActionRecordRegistration   = "recordRegistration"
	ActionRecordUnregistration = "recordUnregistration"
)

// CoordinatorActorId addresses the single global coordinator.
const CoordinatorActorId = "coordinator"

// ShardActorId returns the registry id of the processor for a shard.
func ShardActorId(shardId int) string {
	return fmt.Sprintf("shard-%d", shardId)
}

// UserActorId returns the registry id of a user's actor.
func UserActorId(userId string) string {
	return "user-" + userId
}

// DeliverPayload asks a UserActor to deliver one broadcast message.
type DeliverPayload struct {
	BroadcastId string
	Message     json.RawMessage
}

// HandleBroadcastPayload asks a ShardProcessor to fan a broadcast out to its
// roster (or the intersection with TargetUserIds when non-nil).
type HandleBroadcastPayload struct {
	BroadcastId   string
	Message       json.RawMessage
	TargetUserIds []string
	ExpiresAt     *time.Time
}

// ReportDeliveryPayload carries a cumulative delivered count upward, from
// user actor to shard or from shard to coordinator.
type ReportDeliveryPayload struct {
	BroadcastId string
	ShardId     int
	Delivered   int64
}

// MembershipPayload carries one register/unregister event.
type MembershipPayload struct {
	UserId  string
	ShardId int
}

// CleanupPayload asks a ShardProcessor to physically remove inactive users.
type CleanupPayload struct {
	OperationId string
	UserIds     []string
	ThresholdMs int64 // 0 means no age threshold
}

// HealthLevel classifies a shard by its error rate.
type HealthLevel string

const (
	HealthHealthy   HealthLevel = "healthy"
	HealthDegraded  HealthLevel = "degraded"
	HealthUnhealthy HealthLevel = "unhealthy"
)

// Performance is a shard's rolling metrics snapshot, recomputed on every
// registration change.
type Performance struct {
	ShardId     int         `json:"shardId"`
	TotalUsers  int         `json:"totalUsers"`
	ActiveUsers int         `json:"activeUsers"`
	GrowthRate  float64     `json:"growthRate"`
	ErrorRate   float64     `json:"errorRate"`
	Health      HealthLevel `json:"health"`
}

// classifyHealth maps an error rate onto a health level.
func classifyHealth(errorRate float64) HealthLevel {
	switch {
	case errorRate > 0.1:
		return HealthUnhealthy
	case errorRate > 0.05:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// roundRate clamps a growth rate to 2 decimal places.
func roundRate(rate float64) float64 {
	return math.Round(rate*100) / 100
}
