package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// BroadcastStatus represents the lifecycle state of a broadcast.
// Transitions only move forward: pending -> processing -> completed/failed/cancelled.
type BroadcastStatus string

const (
	BroadcastPending    BroadcastStatus = "pending"
	BroadcastProcessing BroadcastStatus = "processing"
	BroadcastCompleted  BroadcastStatus = "completed"
	BroadcastFailed     BroadcastStatus = "failed"
	BroadcastCancelled  BroadcastStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s BroadcastStatus) Terminal() bool {
	return s == BroadcastCompleted || s == BroadcastFailed || s == BroadcastCancelled
}

// Priority orders message delivery and pending-message replay.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns a numeric rank for ordering; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Broadcast is one message-delivery job, targeting either an explicit user
// list or the whole registered population.
type Broadcast struct {
	Id            string
	Message       json.RawMessage
	TargetUserIds []string // nil means "all registered users"
	Priority      Priority
	Status        BroadcastStatus
	Total         int64
	Delivered     int64
	Error         string
	RetryCount    int
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LastDelivery  *time.Time
	ExpiresAt     *time.Time
}

// Registration records a user's shard assignment. A user belongs to exactly
// one shard at a time; the row is marked inactive on disconnect and only
// physically removed by an explicit cleanup operation.
type Registration struct {
	UserId    string
	ShardId   int
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PendingMessage is a per-user durable record of a message that could not be
// sent immediately and is queued for replay on reconnect.
type PendingMessage struct {
	Id          int64
	UserId      string
	SessionId   string
	Type        string
	BroadcastId string
	Payload     []byte
	Priority    Priority
	Attempts    int
	MaxAttempts int
	ScheduledAt time.Time
	CreatedAt   time.Time
}

// CleanupStatus is the state of a cleanup operation audit row.
type CleanupStatus string

const (
	CleanupPending   CleanupStatus = "pending"
	CleanupCompleted CleanupStatus = "completed"
	CleanupFailed    CleanupStatus = "failed"
)

// CleanupOperation records one roster cleanup pass on a shard.
type CleanupOperation struct {
	Id        string
	ShardId   int
	Removed   int
	Skipped   int
	Status    CleanupStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BroadcastStore persists broadcast records.
type BroadcastStore interface {
	Insert(ctx context.Context, b *Broadcast) error
	Get(ctx context.Context, id string) (*Broadcast, error)

	// UpdateStatus transitions the broadcast's status and records the error
	// message for failed broadcasts. Backward transitions are rejected.
	UpdateStatus(ctx context.Context, id string, status BroadcastStatus, errMsg string) error

	// SetTotal sets the expected delivery total, fixed at dispatch time.
	SetTotal(ctx context.Context, id string, total int64) error

	// AddDelivered adds delta to the delivered counter, stamps the
	// last-delivery time and returns the updated record.
	AddDelivered(ctx context.Context, id string, delta int64, at time.Time) (*Broadcast, error)

	// MarkCompleted transitions the broadcast to completed at the given time.
	MarkCompleted(ctx context.Context, id string, at time.Time) error
}

// RegistrationStore persists user shard assignments.
type RegistrationStore interface {
	Upsert(ctx context.Context, r *Registration) error
	Get(ctx context.Context, userId string) (*Registration, error)
	SetActive(ctx context.Context, userId string, active bool, at time.Time) error

	// Delete physically removes the row. Only cleanup operations call this.
	Delete(ctx context.Context, userId string) error

	CountActive(ctx context.Context) (int64, error)
}

// PendingMessageStore persists the per-user replay backlog.
type PendingMessageStore interface {
	Insert(ctx context.Context, m *PendingMessage) (int64, error)

	// ListForUser returns undelivered messages for the user whose scheduled
	// time is not after now and whose attempts have not reached MaxAttempts,
	// ordered by priority rank (desc) then scheduled time (asc), limited to
	// limit rows (0 means no limit). Exhausted rows are left in place and
	// never returned.
	ListForUser(ctx context.Context, userId string, now time.Time, limit int) ([]*PendingMessage, error)

	Delete(ctx context.Context, id int64) error

	// IncrementAttempts bumps the attempt counter and reschedules the message.
	IncrementAttempts(ctx context.Context, id int64, scheduledAt time.Time) error

	CountForUser(ctx context.Context, userId string) (int64, error)
}

// CleanupStore persists cleanup operation audit rows.
type CleanupStore interface {
	Insert(ctx context.Context, op *CleanupOperation) error
	Update(ctx context.Context, op *CleanupOperation) error
	Get(ctx context.Context, id string) (*CleanupOperation, error)
}

// Store is the durable per-entity storage collaborator injected into the
// actor pipeline. Implementations must be safe for concurrent use.
type Store interface {
	Broadcasts() BroadcastStore
	Registrations() RegistrationStore
	PendingMessages() PendingMessageStore
	Cleanups() CleanupStore

	// WithTx runs fn atomically: either every statement issued through the
	// provided Store takes effect, or none do.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	Close() error
}
