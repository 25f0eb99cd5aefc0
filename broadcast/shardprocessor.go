package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/xiaonanln/fanverse/actor"
	"github.com/xiaonanln/fanverse/scale"
	"github.com/xiaonanln/fanverse/store"
	"github.com/xiaonanln/fanverse/util/metrics"
	"github.com/xiaonanln/fanverse/util/uniqueid"
	"github.com/xiaonanln/fanverse/util/workerpool"
)

const (
	// defaultSettleDelay is how long a shard waits after finishing its
	// fan-out before reporting the delivered count upward, giving slow sends
	// time to land in the accumulator.
	defaultSettleDelay = 3 * time.Second

	// deliverTimeout bounds one synchronous deliver call to a user actor.
	deliverTimeout = 5 * time.Second

	// coordinatorCallTimeout bounds the counter round-trips made while
	// registering and unregistering users.
	coordinatorCallTimeout = 2 * time.Second
)

// deliveryStats is the outcome of one shard fan-out, accumulated on the
// shard's mailbox before the settled report goes upward.
type deliveryStats struct {
	BroadcastId string
	Delivered   int64
	Attempts    int64
	Failures    int64
}

// ShardProcessor owns the roster of one shard and fans broadcasts out to its
// user actors in bounded, staggered batches. All roster and accounting state
// is touched only on the shard's mailbox; the fan-out itself runs off-mailbox
// on the shard's worker pool so a large broadcast never blocks registrations.
type ShardProcessor struct {
	actor.BaseActor
	registry *actor.Registry
	st       store.Store
	presets  *scale.Registry
	shardId  int

	roster map[string]bool

	// pendingDelivered holds per-broadcast delivered counts awaiting the
	// settled report to the coordinator.
	pendingDelivered map[string]int64

	totalUsers   int
	prevActive   int
	sendAttempts int64
	sendFailures int64

	pool        *workerpool.WorkerPool
	settleDelay time.Duration
}

// NewShardProcessor creates the processor for one shard and starts its
// worker pool. The pool is sized from the preset active at creation;
// activating another preset later changes batch size and delay for this
// shard but not its send concurrency.
func NewShardProcessor(ctx context.Context, registry *actor.Registry, st store.Store, presets *scale.Registry, shardId int) *ShardProcessor {
	sp := &ShardProcessor{
		registry:         registry,
		st:               st,
		presets:          presets,
		shardId:          shardId,
		roster:           make(map[string]bool),
		pendingDelivered: make(map[string]int64),
		pool:             workerpool.New(ctx, presets.Active().BatchConcurrency),
		settleDelay:      defaultSettleDelay,
	}
	sp.pool.Start()
	sp.OnInit(sp, ShardActorId(shardId))
	return sp
}

// ShardId returns this processor's shard number.
func (sp *ShardProcessor) ShardId() int {
	return sp.shardId
}

// Stop shuts down the shard's worker pool.
func (sp *ShardProcessor) Stop() {
	sp.pool.Stop()
}

// HandleAction processes one mailbox message.
func (sp *ShardProcessor) HandleAction(ctx context.Context, action string, payload interface{}) (interface{}, error) {
	switch action {
	case ActionHandleBroadcast:
		p, ok := payload.(*HandleBroadcastPayload)
		if !ok {
			return nil, fmt.Errorf("handleBroadcast: unexpected payload %T", payload)
		}
		sp.handleBroadcast(p)
		return nil, nil
	case ActionRegisterUser:
		p, ok := payload.(*MembershipPayload)
		if !ok {
			return nil, fmt.Errorf("registerUser: unexpected payload %T", payload)
		}
		return nil, sp.registerUser(ctx, p.UserId)
	case ActionUnregisterUser:
		p, ok := payload.(*MembershipPayload)
		if !ok {
			return nil, fmt.Errorf("unregisterUser: unexpected payload %T", payload)
		}
		return nil, sp.unregisterUser(ctx, p.UserId)
	case ActionAddToRoster:
		p, ok := payload.(*MembershipPayload)
		if !ok {
			return nil, fmt.Errorf("addToRoster: unexpected payload %T", payload)
		}
		return nil, sp.addToRoster(ctx, p.UserId)
	case ActionRemoveFromRoster:
		p, ok := payload.(*MembershipPayload)
		if !ok {
			return nil, fmt.Errorf("removeFromRoster: unexpected payload %T", payload)
		}
		return nil, sp.removeFromRoster(ctx, p.UserId)
	case ActionCleanupUsers:
		p, ok := payload.(*CleanupPayload)
		if !ok {
			return nil, fmt.Errorf("cleanupUsers: unexpected payload %T", payload)
		}
		return sp.cleanupUsers(ctx, p)
	case ActionReportDelivery:
		p, ok := payload.(*ReportDeliveryPayload)
		if !ok {
			return nil, fmt.Errorf("reportDelivery: unexpected payload %T", payload)
		}
		sp.forwardDeliveryReport(p)
		return nil, nil
	case ActionHealth:
		return sp.performance(), nil
	case actionAccumulateDelivered:
		p, ok := payload.(*deliveryStats)
		if !ok {
			return nil, fmt.Errorf("accumulateDelivered: unexpected payload %T", payload)
		}
		sp.accumulateDelivered(p)
		return nil, nil
	case actionFlushDelivered:
		broadcastId, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("flushDelivered: unexpected payload %T", payload)
		}
		sp.flushDelivered(broadcastId)
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown action: %s", action)
	}
}

// handleBroadcast resolves the shard-local target set and hands the fan-out
// to a background goroutine so the mailbox stays free.
func (sp *ShardProcessor) handleBroadcast(p *HandleBroadcastPayload) {
	if p.ExpiresAt != nil && time.Now().After(*p.ExpiresAt) {
		sp.Logger.Warnf("broadcast %s expired before dispatch, skipping", p.BroadcastId)
		sp.flushDelivered(p.BroadcastId)
		return
	}

	targets := sp.resolveTargets(p.TargetUserIds)
	preset := sp.presets.Active()

	if len(targets) == 0 {
		sp.flushDelivered(p.BroadcastId)
		return
	}

	go sp.fanOut(p.BroadcastId, p.Message, targets, preset)
}

// resolveTargets snapshots the roster, intersected with the explicit target
// list when one is given. The result is sorted so batch composition is
// deterministic.
func (sp *ShardProcessor) resolveTargets(targetUserIds []string) []string {
	var targets []string
	if targetUserIds == nil {
		targets = make([]string, 0, len(sp.roster))
		for userId := range sp.roster {
			targets = append(targets, userId)
		}
	} else {
		for _, userId := range targetUserIds {
			if sp.roster[userId] {
				targets = append(targets, userId)
			}
		}
	}
	sort.Strings(targets)
	return targets
}

// fanOut delivers one broadcast to the resolved targets in staggered batches.
// Sends within a batch run concurrently on the shard's worker pool; batches
// start preset.BatchDelay apart. Runs off the mailbox.
func (sp *ShardProcessor) fanOut(broadcastId string, message []byte, targets []string, preset scale.Preset) {
	start := time.Now()
	stats := &deliveryStats{BroadcastId: broadcastId}

	for batchStart := 0; batchStart < len(targets); batchStart += preset.BatchSize {
		if batchStart > 0 {
			time.Sleep(preset.BatchDelay)
		}
		batchEnd := batchStart + preset.BatchSize
		if batchEnd > len(targets) {
			batchEnd = len(targets)
		}

		tasks := make([]workerpool.Task, 0, batchEnd-batchStart)
		for _, userId := range targets[batchStart:batchEnd] {
			userId := userId
			tasks = append(tasks, func(ctx context.Context) error {
				return sp.deliverToUser(ctx, broadcastId, message, userId)
			})
		}

		results := sp.pool.SubmitAndWait(context.Background(), tasks)
		for _, res := range results {
			stats.Attempts++
			if res.Err != nil {
				stats.Failures++
			} else {
				stats.Delivered++
			}
		}
	}

	metrics.ShardDispatchDuration.WithLabelValues(fmt.Sprintf("%d", sp.shardId)).Observe(time.Since(start).Seconds())

	if _, err := sp.registry.Dispatch(sp.Id(), actionAccumulateDelivered, stats); err != nil {
		sp.Logger.Errorf("failed to accumulate delivery stats for %s: %v", broadcastId, err)
		return
	}

	// Let in-flight acks settle before the count goes upward
	time.Sleep(sp.settleDelay)
	if _, err := sp.registry.Dispatch(sp.Id(), actionFlushDelivered, broadcastId); err != nil {
		sp.Logger.Errorf("failed to flush delivery stats for %s: %v", broadcastId, err)
	}
}

// deliverToUser makes one synchronous deliver call to a user actor.
func (sp *ShardProcessor) deliverToUser(ctx context.Context, broadcastId string, message []byte, userId string) error {
	callCtx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	result, err := sp.registry.Call(callCtx, UserActorId(userId), ActionDeliver, &DeliverPayload{
		BroadcastId: broadcastId,
		Message:     message,
	})
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", userId, err)
	}
	if delivered, ok := result.(bool); !ok || !delivered {
		return fmt.Errorf("deliver to %s: send did not complete", userId)
	}
	return nil
}

// accumulateDelivered folds one fan-out's outcome into the shard's counters.
func (sp *ShardProcessor) accumulateDelivered(stats *deliveryStats) {
	sp.pendingDelivered[stats.BroadcastId] += stats.Delivered
	sp.sendAttempts += stats.Attempts
	sp.sendFailures += stats.Failures
}

// flushDelivered reports the settled delivered count for one broadcast to
// the coordinator and clears the accumulator. A report is sent even when the
// count is zero so the coordinator can complete empty shards.
func (sp *ShardProcessor) flushDelivered(broadcastId string) {
	delivered := sp.pendingDelivered[broadcastId]
	delete(sp.pendingDelivered, broadcastId)

	if _, err := sp.registry.Dispatch(CoordinatorActorId, ActionReportDelivery, &ReportDeliveryPayload{
		BroadcastId: broadcastId,
		ShardId:     sp.shardId,
		Delivered:   delivered,
	}); err != nil {
		sp.Logger.Errorf("failed to report delivery for %s: %v", broadcastId, err)
	}
}

// forwardDeliveryReport relays a user actor's client-acknowledgement count
// straight to the coordinator.
func (sp *ShardProcessor) forwardDeliveryReport(p *ReportDeliveryPayload) {
	p.ShardId = sp.shardId
	if _, err := sp.registry.Dispatch(CoordinatorActorId, ActionReportDelivery, p); err != nil {
		sp.Logger.Errorf("failed to forward delivery report for %s: %v", p.BroadcastId, err)
	}
}

// registerUser adds a user to the roster, persists the registration and
// reports the count upward. A coordinator failure rolls both back.
func (sp *ShardProcessor) registerUser(ctx context.Context, userId string) error {
	wasMember := sp.roster[userId]

	now := time.Now()
	if err := sp.st.Registrations().Upsert(ctx, &store.Registration{
		UserId:    userId,
		ShardId:   sp.shardId,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to persist registration for %s: %w", userId, err)
	}
	sp.roster[userId] = true

	if !wasMember {
		sp.totalUsers++
		if err := sp.recordMembership(ctx, ActionRecordRegistration, userId); err != nil {
			// Compensate: undo the roster add and the persisted row
			delete(sp.roster, userId)
			sp.totalUsers--
			if dbErr := sp.st.Registrations().SetActive(ctx, userId, false, time.Now()); dbErr != nil {
				sp.Logger.Errorf("rollback of registration for %s failed: %v", userId, dbErr)
			}
			return err
		}
	}

	sp.updateRosterMetrics()
	return nil
}

// unregisterUser removes a user from the roster, marks the registration
// inactive and reports the count upward. A coordinator failure rolls both
// back.
func (sp *ShardProcessor) unregisterUser(ctx context.Context, userId string) error {
	if !sp.roster[userId] {
		return nil
	}

	if err := sp.st.Registrations().SetActive(ctx, userId, false, time.Now()); err != nil {
		return fmt.Errorf("failed to deactivate registration for %s: %w", userId, err)
	}
	delete(sp.roster, userId)

	if err := sp.recordMembership(ctx, ActionRecordUnregistration, userId); err != nil {
		sp.roster[userId] = true
		if dbErr := sp.st.Registrations().SetActive(ctx, userId, true, time.Now()); dbErr != nil {
			sp.Logger.Errorf("rollback of unregistration for %s failed: %v", userId, dbErr)
		}
		return err
	}

	sp.updateRosterMetrics()
	return nil
}

// recordMembership makes the synchronous counter round-trip to the
// coordinator for one register/unregister event.
func (sp *ShardProcessor) recordMembership(ctx context.Context, action, userId string) error {
	callCtx, cancel := context.WithTimeout(ctx, coordinatorCallTimeout)
	defer cancel()

	if _, err := sp.registry.Call(callCtx, CoordinatorActorId, action, &MembershipPayload{
		UserId:  userId,
		ShardId: sp.shardId,
	}); err != nil {
		return fmt.Errorf("failed to record %s for %s: %w", action, userId, err)
	}
	return nil
}

// addToRoster is the coordinator-driven half of admin registration: it
// persists the assignment and adds the user to the roster, without reporting
// back upward.
func (sp *ShardProcessor) addToRoster(ctx context.Context, userId string) error {
	wasMember := sp.roster[userId]

	now := time.Now()
	if err := sp.st.Registrations().Upsert(ctx, &store.Registration{
		UserId:    userId,
		ShardId:   sp.shardId,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to persist registration for %s: %w", userId, err)
	}
	sp.roster[userId] = true
	if !wasMember {
		sp.totalUsers++
	}

	sp.updateRosterMetrics()
	return nil
}

// removeFromRoster is the coordinator-driven half of admin unregistration.
func (sp *ShardProcessor) removeFromRoster(ctx context.Context, userId string) error {
	if !sp.roster[userId] {
		return nil
	}

	if err := sp.st.Registrations().SetActive(ctx, userId, false, time.Now()); err != nil {
		return fmt.Errorf("failed to deactivate registration for %s: %w", userId, err)
	}
	delete(sp.roster, userId)

	sp.updateRosterMetrics()
	return nil
}

// cleanupUsers physically removes inactive registrations among the given
// candidates, leaving an audit row describing the pass. Users still on the
// roster are skipped, never removed.
func (sp *ShardProcessor) cleanupUsers(ctx context.Context, p *CleanupPayload) (*store.CleanupOperation, error) {
	op := &store.CleanupOperation{
		Id:        p.OperationId,
		ShardId:   sp.shardId,
		Status:    store.CleanupPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if op.Id == "" {
		op.Id = uniqueid.UniqueId()
	}
	if err := sp.st.Cleanups().Insert(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to record cleanup operation: %w", err)
	}

	now := time.Now()
	var failed bool
	for _, userId := range p.UserIds {
		if sp.roster[userId] {
			op.Skipped++
			continue
		}

		reg, err := sp.st.Registrations().Get(ctx, userId)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				op.Skipped++
				continue
			}
			sp.Logger.Errorf("cleanup: failed to load registration for %s: %v", userId, err)
			failed = true
			continue
		}
		if reg.Active || reg.ShardId != sp.shardId {
			op.Skipped++
			continue
		}
		if p.ThresholdMs > 0 && now.Sub(reg.UpdatedAt) < time.Duration(p.ThresholdMs)*time.Millisecond {
			op.Skipped++
			continue
		}

		if err := sp.st.Registrations().Delete(ctx, userId); err != nil {
			sp.Logger.Errorf("cleanup: failed to remove registration for %s: %v", userId, err)
			failed = true
			continue
		}
		op.Removed++
		if sp.totalUsers > 0 {
			sp.totalUsers--
		}
	}

	op.Status = store.CleanupCompleted
	if failed {
		op.Status = store.CleanupFailed
	}
	op.UpdatedAt = time.Now()
	if err := sp.st.Cleanups().Update(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to finalize cleanup operation: %w", err)
	}

	sp.updateRosterMetrics()
	return op, nil
}

// performance recomputes the shard's rolling metrics snapshot.
func (sp *ShardProcessor) performance() *Performance {
	active := len(sp.roster)

	var growth float64
	if sp.prevActive > 0 {
		growth = roundRate(float64(active-sp.prevActive) / float64(sp.prevActive))
	}
	sp.prevActive = active

	var errorRate float64
	if sp.sendAttempts > 0 {
		errorRate = float64(sp.sendFailures) / float64(sp.sendAttempts)
	}

	return &Performance{
		ShardId:     sp.shardId,
		TotalUsers:  sp.totalUsers,
		ActiveUsers: active,
		GrowthRate:  growth,
		ErrorRate:   errorRate,
		Health:      classifyHealth(errorRate),
	}
}

func (sp *ShardProcessor) updateRosterMetrics() {
	metrics.ShardUsers.WithLabelValues(fmt.Sprintf("%d", sp.shardId)).Set(float64(len(sp.roster)))
}
