package broadcast

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/xiaonanln/fanverse/actor"
	"github.com/xiaonanln/fanverse/store"
	"github.com/xiaonanln/fanverse/transport"
	"github.com/xiaonanln/fanverse/util/backoff"
	"github.com/xiaonanln/fanverse/util/metrics"
)

const (
	// maxSendFailures is the consecutive-failure threshold that forces the
	// connection closed.
	maxSendFailures = 3

	// deliveryReportEvery flushes the local delivered counter to the owning
	// shard on every Nth client acknowledgement.
	deliveryReportEvery = 10

	// pendingMaxAttempts caps replay attempts for one pending message.
	pendingMaxAttempts = 3

	defaultHeartbeatInterval = 30 * time.Second
)

// UserActor owns one end-user's delivery state: zero-or-one live connection,
// a bounded outbound-failure counter, the durable pending-message backlog and
// a self-rearming heartbeat timer. All state is touched only on the actor's
// mailbox.
type UserActor struct {
	actor.BaseActor
	registry *actor.Registry
	st       store.Store
	userId   string
	shardId  int

	conn      transport.Conn
	sessionId string
	failures  int

	deliveredCounts map[string]int64

	heartbeatInterval time.Duration
	heartbeatTimer    *time.Timer

	retry *backoff.Backoff

	// connectedUsers is the pipeline-wide live connection gauge, reported in
	// heartbeat frames.
	connectedUsers *atomic.Int64
}

// NewUserActor creates the actor for one user. shardId is the user's
// assigned shard, which stays fixed until the user re-registers.
func NewUserActor(registry *actor.Registry, st store.Store, userId string, shardId int, heartbeatInterval time.Duration, connectedUsers *atomic.Int64) *UserActor {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	ua := &UserActor{
		registry:          registry,
		st:                st,
		userId:            userId,
		shardId:           shardId,
		deliveredCounts:   make(map[string]int64),
		heartbeatInterval: heartbeatInterval,
		retry:             backoff.New(time.Second, time.Minute, 2.0),
		connectedUsers:    connectedUsers,
	}
	ua.OnInit(ua, UserActorId(userId))
	return ua
}

// UserId returns the user this actor serves.
func (ua *UserActor) UserId() string {
	return ua.userId
}

// ShardId returns the user's assigned shard.
func (ua *UserActor) ShardId() int {
	return ua.shardId
}

// HandleAction processes one mailbox message.
func (ua *UserActor) HandleAction(ctx context.Context, action string, payload interface{}) (interface{}, error) {
	switch action {
	case ActionDeliver:
		p, ok := payload.(*DeliverPayload)
		if !ok {
			return nil, fmt.Errorf("deliver: unexpected payload %T", payload)
		}
		delivered, err := ua.deliver(ctx, p)
		return delivered, err
	case ActionConnect:
		conn, ok := payload.(transport.Conn)
		if !ok {
			return nil, fmt.Errorf("connect: unexpected payload %T", payload)
		}
		ua.onConnect(ctx, conn)
		return nil, nil
	case ActionDisconnect:
		ua.onDisconnect()
		return nil, nil
	case ActionHeartbeatTick:
		ua.onHeartbeatTick()
		return nil, nil
	case ActionRecordDelivery:
		broadcastId, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("recordDelivery: unexpected payload %T", payload)
		}
		ua.recordDelivery(broadcastId)
		return nil, nil
	case ActionControlFrame:
		frame, ok := payload.(*transport.ControlFrame)
		if !ok {
			return nil, fmt.Errorf("controlFrame: unexpected payload %T", payload)
		}
		ua.handleControlFrame(frame)
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown action: %s", action)
	}
}

// deliver attempts to send one broadcast message over the live connection.
// It returns true when the send was acknowledged by the transport.
func (ua *UserActor) deliver(ctx context.Context, p *DeliverPayload) (bool, error) {
	if ua.conn == nil {
		// Offline: queue for replay on the next connect
		ua.queuePending(ctx, p)
		return false, nil
	}

	frame, err := transport.BroadcastFrame(p.BroadcastId, p.Message)
	if err != nil {
		return false, err
	}

	if err := ua.conn.Send(frame); err != nil {
		ua.onSendFailure(ctx, p, err)
		return false, nil
	}

	ua.failures = 0
	metrics.DeliveriesTotal.WithLabelValues(fmt.Sprintf("%d", ua.shardId), "ok").Inc()
	ua.recordDelivery(p.BroadcastId)
	return true, nil
}

// onSendFailure classifies a failed send, queues the message when the error
// is recoverable, and force-closes the connection once the bounded failure
// counter reaches its threshold.
func (ua *UserActor) onSendFailure(ctx context.Context, p *DeliverPayload, err error) {
	ua.failures++
	metrics.DeliveriesTotal.WithLabelValues(fmt.Sprintf("%d", ua.shardId), "error").Inc()
	ua.Logger.Warnf("send failed (%d/%d): %v", ua.failures, maxSendFailures, err)

	if transport.Recoverable(err) && ua.sessionId != "" {
		ua.queuePending(ctx, p)
	}

	if ua.failures >= maxSendFailures {
		ua.Logger.Errorf("failure threshold reached, closing connection")
		metrics.ForcedClosesTotal.Inc()
		if ua.conn != nil {
			_ = ua.conn.Close(transport.CloseInternalErr, "internal error")
		}
		ua.clearSession()
	}
}

// queuePending persists the message for replay on reconnect.
func (ua *UserActor) queuePending(ctx context.Context, p *DeliverPayload) {
	now := time.Now()
	_, err := ua.st.PendingMessages().Insert(ctx, &store.PendingMessage{
		UserId:      ua.userId,
		SessionId:   ua.sessionId,
		Type:        transport.FrameBroadcast,
		BroadcastId: p.BroadcastId,
		Payload:     p.Message,
		Priority:    store.PriorityNormal,
		MaxAttempts: pendingMaxAttempts,
		ScheduledAt: now,
		CreatedAt:   now,
	})
	if err != nil {
		ua.Logger.Errorf("failed to queue pending message: %v", err)
		return
	}
	metrics.PendingMessages.WithLabelValues("queued").Inc()
}

// onConnect accepts a new connection, reports registration to the owning
// shard, drains the pending backlog and arms the heartbeat timer.
func (ua *UserActor) onConnect(ctx context.Context, conn transport.Conn) {
	if ua.conn != nil {
		// A stale connection is replaced; close it politely
		_ = ua.conn.Close(transport.CloseGoingAway, "superseded by new connection")
		ua.clearSession()
	}

	ua.conn = conn
	ua.sessionId = conn.Id()
	ua.failures = 0
	if ua.connectedUsers != nil {
		ua.connectedUsers.Add(1)
	}
	metrics.ConnectedUsers.Inc()

	// Report registration to the owning shard; global counting happens there
	if _, err := ua.registry.Dispatch(ShardActorId(ua.shardId), ActionRegisterUser, &MembershipPayload{
		UserId:  ua.userId,
		ShardId: ua.shardId,
	}); err != nil {
		ua.Logger.Errorf("failed to report registration to shard %d: %v", ua.shardId, err)
	}

	ua.drainPending(ctx)
	ua.armHeartbeat()
}

// drainPending replays queued messages in priority-then-scheduled-time
// order, deleting each on success. Draining stops at the first failed send
// so the relative order of the remaining backlog is preserved.
func (ua *UserActor) drainPending(ctx context.Context) {
	if ua.conn == nil {
		return
	}

	pending, err := ua.st.PendingMessages().ListForUser(ctx, ua.userId, time.Now(), 0)
	if err != nil {
		ua.Logger.Errorf("failed to list pending messages: %v", err)
		return
	}

	for _, msg := range pending {
		frame, err := transport.BroadcastFrame(msg.BroadcastId, msg.Payload)
		if err != nil {
			ua.Logger.Errorf("failed to encode pending message %d: %v", msg.Id, err)
			continue
		}
		if err := ua.conn.Send(frame); err != nil {
			// Reschedule with backoff; remaining backlog keeps its order
			next := time.Now().Add(ua.retry.DelayForAttempt(msg.Attempts))
			if incErr := ua.st.PendingMessages().IncrementAttempts(ctx, msg.Id, next); incErr != nil {
				ua.Logger.Errorf("failed to reschedule pending message %d: %v", msg.Id, incErr)
			}
			if msg.Attempts+1 >= msg.MaxAttempts {
				metrics.PendingMessages.WithLabelValues("abandoned").Inc()
			}
			return
		}
		if err := ua.st.PendingMessages().Delete(ctx, msg.Id); err != nil {
			ua.Logger.Errorf("failed to delete replayed pending message %d: %v", msg.Id, err)
		}
		metrics.PendingMessages.WithLabelValues("replayed").Inc()
	}
}

// onDisconnect clears the session binding, cancels the heartbeat timer and
// reports unregistration to the owning shard.
func (ua *UserActor) onDisconnect() {
	if ua.conn == nil {
		return
	}
	ua.clearSession()

	if _, err := ua.registry.Dispatch(ShardActorId(ua.shardId), ActionUnregisterUser, &MembershipPayload{
		UserId:  ua.userId,
		ShardId: ua.shardId,
	}); err != nil {
		ua.Logger.Errorf("failed to report unregistration to shard %d: %v", ua.shardId, err)
	}
}

// clearSession drops the connection binding and cancels the heartbeat timer.
func (ua *UserActor) clearSession() {
	if ua.conn != nil {
		if ua.connectedUsers != nil {
			ua.connectedUsers.Add(-1)
		}
		metrics.ConnectedUsers.Dec()
	}
	ua.conn = nil
	ua.sessionId = ""
	ua.failures = 0
	if ua.heartbeatTimer != nil {
		ua.heartbeatTimer.Stop()
		ua.heartbeatTimer = nil
	}
}

// armHeartbeat schedules a single-shot self-wakeup. The tick handler re-arms
// the timer only while the connection remains open.
func (ua *UserActor) armHeartbeat() {
	if ua.heartbeatTimer != nil {
		ua.heartbeatTimer.Stop()
	}
	ua.heartbeatTimer = time.AfterFunc(ua.heartbeatInterval, func() {
		if _, err := ua.registry.Dispatch(ua.Id(), ActionHeartbeatTick, nil); err != nil {
			// Actor already removed; the timer just lapses
			return
		}
	})
}

// onHeartbeatTick sends a heartbeat frame and re-arms the timer if the
// connection is still open; otherwise the timer lapses.
func (ua *UserActor) onHeartbeatTick() {
	if ua.conn == nil {
		return
	}

	active := 1
	if ua.connectedUsers != nil {
		active = int(ua.connectedUsers.Load())
	}
	frame, err := transport.HeartbeatFrame(active)
	if err != nil {
		ua.Logger.Errorf("failed to encode heartbeat: %v", err)
		return
	}
	if err := ua.conn.Send(frame); err != nil {
		ua.Logger.Warnf("heartbeat send failed: %v", err)
	} else {
		metrics.HeartbeatsTotal.Inc()
	}

	if ua.conn != nil {
		ua.armHeartbeat()
	}
}

// recordDelivery increments the per-broadcast local counter; every 10th
// increment reports the cumulative count to the owning shard and clears the
// local counter for that broadcast.
func (ua *UserActor) recordDelivery(broadcastId string) {
	ua.deliveredCounts[broadcastId]++
	count := ua.deliveredCounts[broadcastId]
	if count%deliveryReportEvery != 0 {
		return
	}

	delete(ua.deliveredCounts, broadcastId)
	if _, err := ua.registry.Dispatch(ShardActorId(ua.shardId), ActionReportDelivery, &ReportDeliveryPayload{
		BroadcastId: broadcastId,
		ShardId:     ua.shardId,
		Delivered:   count,
	}); err != nil {
		ua.Logger.Errorf("failed to report delivered count: %v", err)
	}
}

// handleControlFrame reacts to a structured frame from the client.
func (ua *UserActor) handleControlFrame(frame *transport.ControlFrame) {
	if ua.conn == nil {
		return
	}

	switch frame.Type {
	case transport.ControlPing:
		ua.sendFrame(transport.PongFrame())
	case transport.ControlAck:
		if frame.BroadcastId != "" {
			ua.recordDelivery(frame.BroadcastId)
		}
	case transport.ControlSubscribe:
		ua.sendFrame(transport.SubscribedFrame(frame.Channel))
	case transport.ControlUnsubscribe:
		ua.sendFrame(transport.UnsubscribedFrame(frame.Channel))
	default:
		ua.Logger.Debugf("ignoring control frame type %q", frame.Type)
	}
}

func (ua *UserActor) sendFrame(frame []byte, err error) {
	if err != nil {
		ua.Logger.Errorf("failed to encode frame: %v", err)
		return
	}
	if ua.conn == nil {
		return
	}
	if sendErr := ua.conn.Send(frame); sendErr != nil {
		ua.Logger.Warnf("control frame send failed: %v", sendErr)
	}
}

// Connected reports whether the actor currently holds a live connection.
// Only used by tests and the pipeline's health snapshot; reads a single
// pointer field set on the mailbox.
func (ua *UserActor) Connected() bool {
	return ua.conn != nil
}
