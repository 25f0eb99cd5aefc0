package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xiaonanln/fanverse/actor"
	"github.com/xiaonanln/fanverse/scale"
	"github.com/xiaonanln/fanverse/sharding"
	"github.com/xiaonanln/fanverse/store"
	"github.com/xiaonanln/fanverse/util/metrics"
	"github.com/xiaonanln/fanverse/util/uniqueid"
)

// shardCallTimeout bounds the coordinator's synchronous roster round-trips.
const shardCallTimeout = 2 * time.Second

// shardSet is the coordinator's view of the shard topology, provided by the
// pipeline that assembled it.
type shardSet interface {
	// EnsureShards guarantees at least n shard processors exist. Shards are
	// never torn down when the count shrinks.
	EnsureShards(n int) error

	// ShardIds lists the ids of all existing shard processors.
	ShardIds() []int
}

// Analytics is the delivery progress snapshot for one broadcast.
type Analytics struct {
	BroadcastId                string           `json:"broadcastId"`
	Status                     string           `json:"status"`
	Total                      int64            `json:"total"`
	Delivered                  int64            `json:"delivered"`
	CompletionPercent          float64          `json:"completionPercent"`
	DeliveryRatePerSecond      float64          `json:"deliveryRatePerSecond"`
	EstimatedCompletionSeconds *float64         `json:"estimatedCompletionSeconds"`
	Shards                     []ShardDelivered `json:"shards"`
	CreatedAt                  time.Time        `json:"createdAt"`
	StartedAt                  *time.Time       `json:"startedAt,omitempty"`
	CompletedAt                *time.Time       `json:"completedAt,omitempty"`
}

// ShardDelivered is one shard's contribution to a broadcast's delivered count.
type ShardDelivered struct {
	ShardId   int   `json:"shardId"`
	Delivered int64 `json:"delivered"`
}

// HealthReport aggregates the per-shard health snapshots.
type HealthReport struct {
	Level      HealthLevel    `json:"level"`
	TotalUsers int64          `json:"totalUsers"`
	Shards     []*Performance `json:"shards"`
}

// BroadcastCoordinator is the single entry point for broadcast creation,
// membership administration and analytics. Creation and admin operations run
// as direct methods under a mutex; the mailbox handles only the upward
// counter reports from shards, and never makes outbound synchronous calls,
// which keeps the coordinator-shard call graph acyclic.
type BroadcastCoordinator struct {
	actor.BaseActor
	registry *actor.Registry
	st       store.Store
	presets  *scale.Registry
	shards   shardSet

	mu               sync.Mutex
	totalUsers       int64
	usersByShard     map[int]int64
	perShardDelivery map[string]map[int]int64
}

// NewCoordinator creates the coordinator. shards is typically the pipeline
// that owns the shard processors.
func NewCoordinator(registry *actor.Registry, st store.Store, presets *scale.Registry, shards shardSet) *BroadcastCoordinator {
	c := &BroadcastCoordinator{
		registry:         registry,
		st:               st,
		presets:          presets,
		shards:           shards,
		usersByShard:     make(map[int]int64),
		perShardDelivery: make(map[string]map[int]int64),
	}
	c.OnInit(c, CoordinatorActorId)
	return c
}

// HandleAction processes the upward reports arriving on the coordinator's
// mailbox. Handlers here only touch counters and the store.
func (c *BroadcastCoordinator) HandleAction(ctx context.Context, action string, payload interface{}) (interface{}, error) {
	switch action {
	case ActionRecordRegistration:
		p, ok := payload.(*MembershipPayload)
		if !ok {
			return nil, fmt.Errorf("recordRegistration: unexpected payload %T", payload)
		}
		c.recordMembershipChange(p.ShardId, 1)
		return nil, nil
	case ActionRecordUnregistration:
		p, ok := payload.(*MembershipPayload)
		if !ok {
			return nil, fmt.Errorf("recordUnregistration: unexpected payload %T", payload)
		}
		c.recordMembershipChange(p.ShardId, -1)
		return nil, nil
	case ActionReportDelivery:
		p, ok := payload.(*ReportDeliveryPayload)
		if !ok {
			return nil, fmt.Errorf("reportDelivery: unexpected payload %T", payload)
		}
		c.reportDelivery(ctx, p)
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown action: %s", action)
	}
}

func (c *BroadcastCoordinator) recordMembershipChange(shardId int, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalUsers += delta
	c.usersByShard[shardId] += delta
	if c.totalUsers < 0 {
		c.totalUsers = 0
	}
	if c.usersByShard[shardId] < 0 {
		c.usersByShard[shardId] = 0
	}
}

// reportDelivery folds one shard's delivered count into the broadcast's
// durable counter and completes the broadcast once the counter reaches the
// total. The counter is additive only; a shard reporting twice counts twice.
func (c *BroadcastCoordinator) reportDelivery(ctx context.Context, p *ReportDeliveryPayload) {
	c.mu.Lock()
	byShard, ok := c.perShardDelivery[p.BroadcastId]
	if !ok {
		byShard = make(map[int]int64)
		c.perShardDelivery[p.BroadcastId] = byShard
	}
	byShard[p.ShardId] += p.Delivered
	c.mu.Unlock()

	var b *store.Broadcast
	var err error
	if p.Delivered > 0 {
		b, err = c.st.Broadcasts().AddDelivered(ctx, p.BroadcastId, p.Delivered, time.Now())
	} else {
		b, err = c.st.Broadcasts().Get(ctx, p.BroadcastId)
	}
	if err != nil {
		c.Logger.Errorf("failed to apply delivery report for %s: %v", p.BroadcastId, err)
		return
	}

	if !b.Status.Terminal() && b.Total > 0 && b.Delivered >= b.Total {
		if err := c.st.Broadcasts().MarkCompleted(ctx, b.Id, time.Now()); err != nil {
			c.Logger.Errorf("failed to complete broadcast %s: %v", b.Id, err)
			return
		}
		metrics.BroadcastsTotal.WithLabelValues(string(store.BroadcastCompleted)).Inc()
		c.Logger.Infof("broadcast %s completed: %d/%d delivered", b.Id, b.Delivered, b.Total)
	}
}

// CreateBroadcast persists a new broadcast and starts its fan-out
// asynchronously, returning the pending record immediately. targetUserIds
// semantics: nil targets every registered user; an empty non-nil slice
// targets nobody and completes at once.
func (c *BroadcastCoordinator) CreateBroadcast(ctx context.Context, message json.RawMessage, targetUserIds []string, priority store.Priority, expiresAt *time.Time) (*store.Broadcast, error) {
	// A JSON null body decodes to the literal "null", not an empty slice
	if len(message) == 0 || string(message) == "null" {
		return nil, fmt.Errorf("broadcast message cannot be empty")
	}
	if priority == "" {
		priority = store.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("invalid priority: %q", priority)
	}

	b := &store.Broadcast{
		Id:            uniqueid.BroadcastId(),
		Message:       message,
		TargetUserIds: targetUserIds,
		Priority:      priority,
		Status:        store.BroadcastPending,
		CreatedAt:     time.Now(),
		ExpiresAt:     expiresAt,
	}
	// Provisional total for explicit lists; processing refines it after
	// deduplication
	if targetUserIds != nil {
		b.Total = int64(len(targetUserIds))
	}

	if targetUserIds != nil && len(targetUserIds) == 0 {
		// Nothing to deliver; complete without entering the pipeline
		if err := c.st.Broadcasts().Insert(ctx, b); err != nil {
			return nil, fmt.Errorf("failed to create broadcast: %w", err)
		}
		if err := c.st.Broadcasts().MarkCompleted(ctx, b.Id, time.Now()); err != nil {
			return nil, fmt.Errorf("failed to complete empty broadcast: %w", err)
		}
		metrics.BroadcastsTotal.WithLabelValues(string(store.BroadcastCompleted)).Inc()
		return c.st.Broadcasts().Get(ctx, b.Id)
	}

	if err := c.st.Broadcasts().Insert(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create broadcast: %w", err)
	}
	metrics.BroadcastsTotal.WithLabelValues(string(store.BroadcastPending)).Inc()

	go c.process(b)
	return b, nil
}

// process resolves the shard fan-out plan for a broadcast and dispatches it.
// Storage failures before dispatch fail the broadcast; a dispatch failure on
// one shard never blocks the others.
func (c *BroadcastCoordinator) process(b *store.Broadcast) {
	ctx := context.Background()

	if err := c.st.Broadcasts().UpdateStatus(ctx, b.Id, store.BroadcastProcessing, ""); err != nil {
		c.Logger.Errorf("failed to mark broadcast %s processing: %v", b.Id, err)
		c.fail(ctx, b.Id, err)
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(string(store.BroadcastProcessing)).Inc()

	numShards := c.presets.Active().NumShards
	var total int64
	payloads := make(map[int]*HandleBroadcastPayload)

	if b.TargetUserIds == nil {
		// Every shard fans out to its own roster
		c.mu.Lock()
		total = c.totalUsers
		c.mu.Unlock()
		for _, shardId := range c.shards.ShardIds() {
			payloads[shardId] = &HandleBroadcastPayload{
				BroadcastId: b.Id,
				Message:     b.Message,
				ExpiresAt:   b.ExpiresAt,
			}
		}
	} else {
		seen := make(map[string]bool, len(b.TargetUserIds))
		for _, userId := range b.TargetUserIds {
			if userId == "" || seen[userId] {
				continue
			}
			seen[userId] = true
			total++

			shardId := c.shardFor(ctx, userId, numShards)
			p, ok := payloads[shardId]
			if !ok {
				p = &HandleBroadcastPayload{
					BroadcastId:   b.Id,
					Message:       b.Message,
					TargetUserIds: []string{},
					ExpiresAt:     b.ExpiresAt,
				}
				payloads[shardId] = p
			}
			p.TargetUserIds = append(p.TargetUserIds, userId)
		}
	}

	if err := c.st.Broadcasts().SetTotal(ctx, b.Id, total); err != nil {
		c.Logger.Errorf("failed to set total for broadcast %s: %v", b.Id, err)
		c.fail(ctx, b.Id, err)
		return
	}

	if total == 0 {
		if err := c.st.Broadcasts().MarkCompleted(ctx, b.Id, time.Now()); err != nil {
			c.Logger.Errorf("failed to complete broadcast %s: %v", b.Id, err)
			return
		}
		metrics.BroadcastsTotal.WithLabelValues(string(store.BroadcastCompleted)).Inc()
		return
	}

	for shardId, payload := range payloads {
		if _, err := c.registry.Dispatch(ShardActorId(shardId), ActionHandleBroadcast, payload); err != nil {
			c.Logger.Errorf("failed to dispatch broadcast %s to shard %d: %v", b.Id, shardId, err)
		}
	}
}

func (c *BroadcastCoordinator) fail(ctx context.Context, broadcastId string, cause error) {
	if err := c.st.Broadcasts().UpdateStatus(ctx, broadcastId, store.BroadcastFailed, cause.Error()); err != nil {
		c.Logger.Errorf("failed to mark broadcast %s failed: %v", broadcastId, err)
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(string(store.BroadcastFailed)).Inc()
}

// shardFor resolves a user's shard, honoring an existing registration over
// the hash so shard assignments survive preset changes.
func (c *BroadcastCoordinator) shardFor(ctx context.Context, userId string, numShards int) int {
	if reg, err := c.st.Registrations().Get(ctx, userId); err == nil {
		return reg.ShardId
	}
	return sharding.ShardFor(userId, numShards)
}

// RegisterUser assigns a user to a shard and adds them to its roster. The
// membership counters are updated optimistically and rolled back if the
// shard rejects the registration.
func (c *BroadcastCoordinator) RegisterUser(ctx context.Context, userId string) (*store.Registration, error) {
	if userId == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}

	numShards := c.presets.Active().NumShards
	shardId := c.shardFor(ctx, userId, numShards)

	alreadyActive := false
	if reg, err := c.st.Registrations().Get(ctx, userId); err == nil {
		alreadyActive = reg.Active
	}

	if !alreadyActive {
		c.recordMembershipChange(shardId, 1)
	}

	callCtx, cancel := context.WithTimeout(ctx, shardCallTimeout)
	defer cancel()
	if _, err := c.registry.Call(callCtx, ShardActorId(shardId), ActionAddToRoster, &MembershipPayload{
		UserId:  userId,
		ShardId: shardId,
	}); err != nil {
		if !alreadyActive {
			c.recordMembershipChange(shardId, -1)
		}
		return nil, fmt.Errorf("failed to register %s on shard %d: %w", userId, shardId, err)
	}

	return c.st.Registrations().Get(ctx, userId)
}

// UnregisterUser removes a user from their shard's roster and marks the
// registration inactive. Counters are rolled back if the shard rejects the
// removal.
func (c *BroadcastCoordinator) UnregisterUser(ctx context.Context, userId string) error {
	reg, err := c.st.Registrations().Get(ctx, userId)
	if err != nil {
		return err
	}
	if !reg.Active {
		return nil
	}

	c.recordMembershipChange(reg.ShardId, -1)

	callCtx, cancel := context.WithTimeout(ctx, shardCallTimeout)
	defer cancel()
	if _, err := c.registry.Call(callCtx, ShardActorId(reg.ShardId), ActionRemoveFromRoster, &MembershipPayload{
		UserId:  userId,
		ShardId: reg.ShardId,
	}); err != nil {
		c.recordMembershipChange(reg.ShardId, 1)
		return fmt.Errorf("failed to unregister %s from shard %d: %w", userId, reg.ShardId, err)
	}

	return nil
}

// CancelBroadcast transitions a broadcast to cancelled. Shards already
// fanning out finish their in-flight batches; their late reports are still
// counted but can no longer complete the broadcast.
func (c *BroadcastCoordinator) CancelBroadcast(ctx context.Context, broadcastId string) error {
	if err := c.st.Broadcasts().UpdateStatus(ctx, broadcastId, store.BroadcastCancelled, ""); err != nil {
		return err
	}
	metrics.BroadcastsTotal.WithLabelValues(string(store.BroadcastCancelled)).Inc()
	return nil
}

// GetAnalytics returns the delivery progress snapshot for a broadcast, or
// store.ErrNotFound when the id is unknown.
func (c *BroadcastCoordinator) GetAnalytics(ctx context.Context, broadcastId string) (*Analytics, error) {
	b, err := c.st.Broadcasts().Get(ctx, broadcastId)
	if err != nil {
		return nil, err
	}

	a := &Analytics{
		BroadcastId: b.Id,
		Status:      string(b.Status),
		Total:       b.Total,
		Delivered:   b.Delivered,
		CreatedAt:   b.CreatedAt,
		StartedAt:   b.StartedAt,
		CompletedAt: b.CompletedAt,
	}

	if b.Total > 0 {
		a.CompletionPercent = roundRate(float64(b.Delivered) / float64(b.Total) * 100)
	}

	since := b.CreatedAt
	if b.StartedAt != nil {
		since = *b.StartedAt
	}
	elapsed := time.Since(since).Seconds()
	if b.CompletedAt != nil {
		elapsed = b.CompletedAt.Sub(since).Seconds()
	}
	if elapsed > 0 && b.Delivered > 0 {
		a.DeliveryRatePerSecond = float64(b.Delivered) / elapsed
	}

	// A zero rate means no estimate, not an infinite one
	if remaining := b.Total - b.Delivered; remaining > 0 && a.DeliveryRatePerSecond > 0 {
		est := float64(remaining) / a.DeliveryRatePerSecond
		a.EstimatedCompletionSeconds = &est
	}

	c.mu.Lock()
	for shardId, delivered := range c.perShardDelivery[broadcastId] {
		a.Shards = append(a.Shards, ShardDelivered{ShardId: shardId, Delivered: delivered})
	}
	c.mu.Unlock()
	sort.Slice(a.Shards, func(i, j int) bool {
		return a.Shards[i].ShardId < a.Shards[j].ShardId
	})

	return a, nil
}

// UpdateScaleConfig activates the named preset and grows the shard set to
// match. Existing shard assignments are left untouched; only users
// registering for the first time see the new shard count.
func (c *BroadcastCoordinator) UpdateScaleConfig(name string) (scale.Preset, error) {
	p, err := c.presets.Activate(name)
	if err != nil {
		return scale.Preset{}, err
	}
	if err := c.shards.EnsureShards(p.NumShards); err != nil {
		return scale.Preset{}, fmt.Errorf("failed to grow shard set for preset %q: %w", name, err)
	}
	c.Logger.Infof("scale preset %q activated: %d shards", p.Name, p.NumShards)
	return p, nil
}

// Health collects every shard's performance snapshot and reduces them to a
// single level: the worst shard wins.
func (c *BroadcastCoordinator) Health(ctx context.Context) (*HealthReport, error) {
	c.mu.Lock()
	total := c.totalUsers
	c.mu.Unlock()

	report := &HealthReport{
		Level:      HealthHealthy,
		TotalUsers: total,
	}

	for _, shardId := range c.shards.ShardIds() {
		callCtx, cancel := context.WithTimeout(ctx, shardCallTimeout)
		result, err := c.registry.Call(callCtx, ShardActorId(shardId), ActionHealth, nil)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to collect health from shard %d: %w", shardId, err)
		}
		perf, ok := result.(*Performance)
		if !ok {
			return nil, fmt.Errorf("shard %d returned unexpected health payload %T", shardId, result)
		}
		report.Shards = append(report.Shards, perf)

		switch perf.Health {
		case HealthUnhealthy:
			report.Level = HealthUnhealthy
		case HealthDegraded:
			if report.Level == HealthHealthy {
				report.Level = HealthDegraded
			}
		}
	}

	return report, nil
}

// ReleaseAnalytics drops the in-memory per-shard breakdown for a broadcast.
// Durable counters in the store are unaffected.
func (c *BroadcastCoordinator) ReleaseAnalytics(broadcastId string) {
	c.mu.Lock()
	delete(c.perShardDelivery, broadcastId)
	c.mu.Unlock()
}
