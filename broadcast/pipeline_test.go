package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xiaonanln/fanverse/scale"
	"github.com/xiaonanln/fanverse/store"
	"github.com/xiaonanln/fanverse/store/memory"
	"github.com/xiaonanln/fanverse/transport"
)

// fakeConn is an in-memory transport.Conn recording everything sent to it.
type fakeConn struct {
	mu        sync.Mutex
	id        string
	frames    [][]byte
	sendErr   error
	closed    bool
	closeCode int
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) Id() string { return c.id }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return errors.New("connection closed")
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	return nil
}

func (c *fakeConn) isClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

func (c *fakeConn) setSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// decoded returns all sent frames, decoded.
func (c *fakeConn) decoded(t *testing.T) []transport.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]transport.Frame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f transport.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("failed to decode frame %s: %v", raw, err)
		}
		out = append(out, f)
	}
	return out
}

// framesOfType returns the sent frames matching one frame type.
func (c *fakeConn) framesOfType(t *testing.T, frameType string) []transport.Frame {
	t.Helper()
	var out []transport.Frame
	for _, f := range c.decoded(t) {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

// newTestPipeline builds a pipeline over the in-memory store with a small
// two-shard preset and short settle delays so tests converge quickly.
func newTestPipeline(t *testing.T) (*Pipeline, *memory.Store) {
	t.Helper()

	presets := scale.NewRegistry()
	if err := presets.Register(scale.Preset{
		Name:             "test",
		NumShards:        2,
		BatchSize:        10,
		BatchConcurrency: 4,
		BatchDelay:       time.Millisecond,
	}); err != nil {
		t.Fatalf("failed to register test preset: %v", err)
	}
	if _, err := presets.Activate("test"); err != nil {
		t.Fatalf("failed to activate test preset: %v", err)
	}

	st := memory.New()
	p, err := NewPipeline(st, presets, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	shortenSettleDelays(t, p)
	t.Cleanup(p.Stop)
	return p, st
}

func shortenSettleDelays(t *testing.T, p *Pipeline) {
	t.Helper()
	for _, shardId := range p.ShardIds() {
		a, ok := p.Registry().Get(ShardActorId(shardId))
		if !ok {
			t.Fatalf("shard %d missing from registry", shardId)
		}
		a.(*ShardProcessor).settleDelay = 20 * time.Millisecond
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// connect binds a fresh fake connection and waits until the user counts as
// registered.
func connect(t *testing.T, p *Pipeline, userId string) *fakeConn {
	t.Helper()
	conn := newFakeConn("sess-" + userId)
	if err := p.Connect(context.Background(), userId, conn); err != nil {
		t.Fatalf("failed to connect %s: %v", userId, err)
	}
	waitFor(t, fmt.Sprintf("%s registered", userId), func() bool {
		reg, err := p.st.Registrations().Get(context.Background(), userId)
		return err == nil && reg.Active
	})
	return conn
}

func TestPipeline_BroadcastReachesAllConnectedUsers(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	alice := connect(t, p, "alice")
	bob := connect(t, p, "bob")

	waitFor(t, "membership counters", func() bool {
		report, err := p.Coordinator().Health(ctx)
		return err == nil && report.TotalUsers == 2
	})

	b, err := p.Coordinator().CreateBroadcast(ctx, json.RawMessage(`{"text":"hi"}`), nil, store.PriorityNormal, nil)
	if err != nil {
		t.Fatalf("CreateBroadcast failed: %v", err)
	}
	if b.Status != store.BroadcastPending {
		t.Fatalf("new broadcast status = %s, want pending", b.Status)
	}

	waitFor(t, "broadcast completion", func() bool {
		got, err := st.Broadcasts().Get(ctx, b.Id)
		return err == nil && got.Status == store.BroadcastCompleted
	})

	got, err := st.Broadcasts().Get(ctx, b.Id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Total != 2 || got.Delivered < 2 {
		t.Fatalf("total/delivered = %d/%d, want 2/>=2", got.Total, got.Delivered)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("timestamps not stamped: started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}

	for name, conn := range map[string]*fakeConn{"alice": alice, "bob": bob} {
		frames := conn.framesOfType(t, transport.FrameBroadcast)
		if len(frames) != 1 {
			t.Fatalf("%s received %d broadcast frames, want 1", name, len(frames))
		}
		if frames[0].BroadcastId != b.Id {
			t.Fatalf("%s received broadcast %s, want %s", name, frames[0].BroadcastId, b.Id)
		}
	}
}

func TestPipeline_ExplicitTargetsOnly(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	alice := connect(t, p, "alice")
	bob := connect(t, p, "bob")
	carol := connect(t, p, "carol")

	b, err := p.Coordinator().CreateBroadcast(ctx, json.RawMessage(`{"text":"vip"}`), []string{"alice", "carol", "alice"}, store.PriorityHigh, nil)
	if err != nil {
		t.Fatalf("CreateBroadcast failed: %v", err)
	}

	waitFor(t, "broadcast completion", func() bool {
		got, err := st.Broadcasts().Get(ctx, b.Id)
		return err == nil && got.Status == store.BroadcastCompleted
	})

	got, _ := st.Broadcasts().Get(ctx, b.Id)
	// Duplicate target ids collapse
	if got.Total != 2 {
		t.Fatalf("total = %d, want 2", got.Total)
	}

	if n := len(alice.framesOfType(t, transport.FrameBroadcast)); n != 1 {
		t.Fatalf("alice received %d broadcast frames, want 1", n)
	}
	if n := len(carol.framesOfType(t, transport.FrameBroadcast)); n != 1 {
		t.Fatalf("carol received %d broadcast frames, want 1", n)
	}
	if n := len(bob.framesOfType(t, transport.FrameBroadcast)); n != 0 {
		t.Fatalf("bob received %d broadcast frames, want 0", n)
	}
}

func TestCoordinator_EmptyTargetListCompletesImmediately(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	b, err := p.Coordinator().CreateBroadcast(ctx, json.RawMessage(`{"text":"void"}`), []string{}, store.PriorityNormal, nil)
	if err != nil {
		t.Fatalf("CreateBroadcast failed: %v", err)
	}
	if b.Status != store.BroadcastCompleted {
		t.Fatalf("status = %s, want completed", b.Status)
	}
	if b.Total != 0 {
		t.Fatalf("total = %d, want 0", b.Total)
	}
	if b.CompletedAt == nil {
		t.Fatal("CompletedAt not stamped")
	}

	got, err := st.Broadcasts().Get(ctx, b.Id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != store.BroadcastCompleted {
		t.Fatalf("stored status = %s, want completed", got.Status)
	}
}

func TestShardProcessor_ExpiredBroadcastSkipsDispatch(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	alice := connect(t, p, "alice")
	bob := connect(t, p, "bob")

	waitFor(t, "membership counters", func() bool {
		report, err := p.Coordinator().Health(ctx)
		return err == nil && report.TotalUsers == 2
	})

	expired := time.Now().Add(-time.Second)
	b, err := p.Coordinator().CreateBroadcast(ctx, json.RawMessage(`{"text":"stale"}`), nil, store.PriorityNormal, &expired)
	if err != nil {
		t.Fatalf("CreateBroadcast failed: %v", err)
	}

	// Every shard skips dispatch but still flushes a zero report
	waitFor(t, "zero reports from both shards", func() bool {
		a, err := p.Coordinator().GetAnalytics(ctx, b.Id)
		return err == nil && len(a.Shards) == len(p.ShardIds())
	})

	got, err := st.Broadcasts().Get(ctx, b.Id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Delivered != 0 {
		t.Fatalf("delivered = %d, want 0", got.Delivered)
	}
	if got.Status != store.BroadcastProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
	for name, conn := range map[string]*fakeConn{"alice": alice, "bob": bob} {
		if n := len(conn.framesOfType(t, transport.FrameBroadcast)); n != 0 {
			t.Fatalf("%s received %d broadcast frames, want 0", name, n)
		}
	}
}

func TestCoordinator_CreateBroadcastValidation(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	if _, err := p.Coordinator().CreateBroadcast(ctx, nil, nil, store.PriorityNormal, nil); err == nil {
		t.Fatal("expected error for empty message")
	}
	// A null JSON body survives decoding as the 4-byte literal "null"
	if _, err := p.Coordinator().CreateBroadcast(ctx, json.RawMessage(`null`), nil, store.PriorityNormal, nil); err == nil {
		t.Fatal("expected error for null message")
	}
	if _, err := p.Coordinator().CreateBroadcast(ctx, json.RawMessage(`{}`), nil, store.Priority("extreme"), nil); err == nil {
		t.Fatal("expected error for invalid priority")
	}
}

func TestUserActor_PendingMessageReplayedOnConnect(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	// An actor with no connection queues deliveries instead of dropping them
	if _, err := p.EnsureUserActor(ctx, "dave"); err != nil {
		t.Fatalf("EnsureUserActor failed: %v", err)
	}
	if _, err := p.Registry().Dispatch(UserActorId("dave"), ActionDeliver, &DeliverPayload{
		BroadcastId: "bc-offline",
		Message:     json.RawMessage(`{"text":"later"}`),
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	waitFor(t, "pending message persisted", func() bool {
		n, err := st.PendingMessages().CountForUser(ctx, "dave")
		return err == nil && n == 1
	})

	conn := connect(t, p, "dave")

	waitFor(t, "pending message replayed", func() bool {
		n, err := st.PendingMessages().CountForUser(ctx, "dave")
		return err == nil && n == 0
	})

	frames := conn.framesOfType(t, transport.FrameBroadcast)
	if len(frames) != 1 {
		t.Fatalf("dave received %d broadcast frames, want 1", len(frames))
	}
	if frames[0].BroadcastId != "bc-offline" {
		t.Fatalf("replayed broadcast id = %s, want bc-offline", frames[0].BroadcastId)
	}
}

func TestUserActor_PendingReplayStopsAtFirstFailure(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	now := time.Now()
	for i, prio := range []store.Priority{store.PriorityLow, store.PriorityUrgent, store.PriorityNormal} {
		if _, err := st.PendingMessages().Insert(ctx, &store.PendingMessage{
			UserId:      "erin",
			Type:        transport.FrameBroadcast,
			BroadcastId: fmt.Sprintf("bc-%d", i),
			Payload:     []byte(`{"n":1}`),
			Priority:    prio,
			MaxAttempts: 3,
			ScheduledAt: now,
			CreatedAt:   now.Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	// First connect fails every send: nothing is drained, attempts are bumped
	bad := newFakeConn("sess-bad")
	bad.setSendErr(errors.New("socket stall"))
	if err := p.Connect(ctx, "erin", bad); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, "failed replay rescheduled", func() bool {
		msgs, err := st.PendingMessages().ListForUser(ctx, "erin", now.Add(time.Hour), 0)
		if err != nil || len(msgs) != 3 {
			return false
		}
		// The urgent message is attempted first and only it is bumped
		return msgs[0].Priority == store.PriorityUrgent && msgs[0].Attempts == 1 &&
			msgs[1].Attempts == 0 && msgs[2].Attempts == 0
	})
}

func TestUserActor_ForcedCloseAfterRepeatedFailures(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	conn := connect(t, p, "frank")
	conn.setSendErr(errors.New("socket stall"))

	for i := 0; i < maxSendFailures; i++ {
		if _, err := p.Registry().Dispatch(UserActorId("frank"), ActionDeliver, &DeliverPayload{
			BroadcastId: "bc-fail",
			Message:     json.RawMessage(`{}`),
		}); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}

	waitFor(t, "forced close", func() bool {
		closed, _ := conn.isClosed()
		return closed
	})
	if _, code := conn.isClosed(); code != transport.CloseInternalErr {
		t.Fatalf("close code = %d, want %d", code, transport.CloseInternalErr)
	}

	waitFor(t, "session cleared", func() bool {
		a, ok := p.Registry().Get(UserActorId("frank"))
		return ok && !a.(*UserActor).Connected()
	})

	// Failures were recoverable, so each delivery was queued for replay
	n, err := p.st.PendingMessages().CountForUser(ctx, "frank")
	if err != nil {
		t.Fatalf("CountForUser failed: %v", err)
	}
	if n != int64(maxSendFailures) {
		t.Fatalf("pending messages = %d, want %d", n, maxSendFailures)
	}
}

func TestUserActor_PermanentFailureNotQueued(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	conn := connect(t, p, "grace")
	conn.setSendErr(transport.ErrPayloadTooLarge)

	if _, err := p.Registry().Dispatch(UserActorId("grace"), ActionDeliver, &DeliverPayload{
		BroadcastId: "bc-big",
		Message:     json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// Give the mailbox time to process, then check nothing was queued
	time.Sleep(50 * time.Millisecond)
	n, err := st.PendingMessages().CountForUser(ctx, "grace")
	if err != nil {
		t.Fatalf("CountForUser failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("pending messages = %d, want 0", n)
	}
}

func TestUserActor_AcksReportedEveryTenth(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	if err := st.Broadcasts().Insert(ctx, &store.Broadcast{
		Id:        "bc-acks",
		Message:   json.RawMessage(`{}`),
		Priority:  store.PriorityNormal,
		Status:    store.BroadcastProcessing,
		Total:     100,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	connect(t, p, "heidi")

	ack := []byte(`{"type":"ack","broadcastId":"bc-acks"}`)
	for i := 0; i < deliveryReportEvery-1; i++ {
		if err := p.HandleClientFrame("heidi", ack); err != nil {
			t.Fatalf("HandleClientFrame failed: %v", err)
		}
	}

	// Nine acks are below the reporting threshold
	time.Sleep(50 * time.Millisecond)
	got, _ := st.Broadcasts().Get(ctx, "bc-acks")
	if got.Delivered != 0 {
		t.Fatalf("delivered after %d acks = %d, want 0", deliveryReportEvery-1, got.Delivered)
	}

	if err := p.HandleClientFrame("heidi", ack); err != nil {
		t.Fatalf("HandleClientFrame failed: %v", err)
	}
	waitFor(t, "tenth ack reported", func() bool {
		got, err := st.Broadcasts().Get(ctx, "bc-acks")
		return err == nil && got.Delivered == int64(deliveryReportEvery)
	})
}

func TestUserActor_HeartbeatWhileConnected(t *testing.T) {
	p, _ := newTestPipeline(t)

	conn := connect(t, p, "ivan")

	waitFor(t, "two heartbeats", func() bool {
		return len(conn.framesOfType(t, transport.FrameHeartbeat)) >= 2
	})

	p.Disconnect("ivan")
	waitFor(t, "disconnect processed", func() bool {
		a, ok := p.Registry().Get(UserActorId("ivan"))
		return ok && !a.(*UserActor).Connected()
	})
}

func TestUserActor_ControlFrames(t *testing.T) {
	p, _ := newTestPipeline(t)

	conn := connect(t, p, "judy")

	if err := p.HandleClientFrame("judy", []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if err := p.HandleClientFrame("judy", []byte(`{"type":"subscribe","channel":"news"}`)); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	waitFor(t, "pong frame", func() bool {
		return len(conn.framesOfType(t, transport.FramePong)) == 1
	})
	waitFor(t, "subscribed frame", func() bool {
		frames := conn.framesOfType(t, transport.FrameSubscribed)
		return len(frames) == 1 && frames[0].Channel == "news"
	})

	if err := p.HandleClientFrame("judy", []byte(`not json`)); !errors.Is(err, transport.ErrMalformedPayload) {
		t.Fatalf("malformed frame error = %v, want ErrMalformedPayload", err)
	}
}

func TestCoordinator_RegisterUnregisterRoundTrip(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	reg, err := p.Coordinator().RegisterUser(ctx, "kate")
	if err != nil {
		t.Fatalf("RegisterUser failed: %v", err)
	}
	if !reg.Active {
		t.Fatal("registration not active")
	}
	if reg.ShardId < 0 || reg.ShardId >= 2 {
		t.Fatalf("shard id %d out of range", reg.ShardId)
	}

	report, err := p.Coordinator().Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if report.TotalUsers != 1 {
		t.Fatalf("total users = %d, want 1", report.TotalUsers)
	}

	// Registering twice does not double count
	if _, err := p.Coordinator().RegisterUser(ctx, "kate"); err != nil {
		t.Fatalf("second RegisterUser failed: %v", err)
	}
	report, _ = p.Coordinator().Health(ctx)
	if report.TotalUsers != 1 {
		t.Fatalf("total users after re-register = %d, want 1", report.TotalUsers)
	}

	if err := p.Coordinator().UnregisterUser(ctx, "kate"); err != nil {
		t.Fatalf("UnregisterUser failed: %v", err)
	}
	report, _ = p.Coordinator().Health(ctx)
	if report.TotalUsers != 0 {
		t.Fatalf("total users after unregister = %d, want 0", report.TotalUsers)
	}

	got, err := st.Registrations().Get(ctx, "kate")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Active {
		t.Fatal("registration still active after unregister")
	}

	if err := p.Coordinator().UnregisterUser(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unregister of unknown user = %v, want ErrNotFound", err)
	}
}

func TestCoordinator_UpdateScaleConfig(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	reg, err := p.Coordinator().RegisterUser(ctx, "leo")
	if err != nil {
		t.Fatalf("RegisterUser failed: %v", err)
	}

	if err := p.presets.Register(scale.Preset{
		Name:             "test-big",
		NumShards:        4,
		BatchSize:        10,
		BatchConcurrency: 4,
		BatchDelay:       time.Millisecond,
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	preset, err := p.Coordinator().UpdateScaleConfig("test-big")
	if err != nil {
		t.Fatalf("UpdateScaleConfig failed: %v", err)
	}
	if preset.NumShards != 4 {
		t.Fatalf("NumShards = %d, want 4", preset.NumShards)
	}
	if got := len(p.ShardIds()); got != 4 {
		t.Fatalf("shard count = %d, want 4", got)
	}

	// Existing assignments do not migrate
	after, err := st.Registrations().Get(ctx, "leo")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if after.ShardId != reg.ShardId {
		t.Fatalf("shard changed from %d to %d on preset switch", reg.ShardId, after.ShardId)
	}

	if _, err := p.Coordinator().UpdateScaleConfig("no-such-preset"); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}

func TestCoordinator_GetAnalytics(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	if _, err := p.Coordinator().GetAnalytics(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("analytics of unknown broadcast = %v, want ErrNotFound", err)
	}

	connect(t, p, "mia")
	connect(t, p, "nick")

	b, err := p.Coordinator().CreateBroadcast(ctx, json.RawMessage(`{"text":"stats"}`), []string{"mia", "nick"}, store.PriorityNormal, nil)
	if err != nil {
		t.Fatalf("CreateBroadcast failed: %v", err)
	}
	waitFor(t, "broadcast completion", func() bool {
		got, err := st.Broadcasts().Get(ctx, b.Id)
		return err == nil && got.Status == store.BroadcastCompleted
	})

	a, err := p.Coordinator().GetAnalytics(ctx, b.Id)
	if err != nil {
		t.Fatalf("GetAnalytics failed: %v", err)
	}
	if a.Status != string(store.BroadcastCompleted) {
		t.Fatalf("status = %s, want completed", a.Status)
	}
	if a.CompletionPercent < 100 {
		t.Fatalf("completion = %.2f, want >= 100", a.CompletionPercent)
	}
	if a.EstimatedCompletionSeconds != nil {
		t.Fatalf("estimate = %v, want nil for finished broadcast", *a.EstimatedCompletionSeconds)
	}

	var shardSum int64
	for _, s := range a.Shards {
		shardSum += s.Delivered
	}
	if shardSum != a.Delivered {
		t.Fatalf("per-shard sum %d != delivered %d", shardSum, a.Delivered)
	}
}

func TestCoordinator_CancelBroadcast(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	// Target a registered-but-disconnected user so the broadcast stays open
	b, err := p.Coordinator().CreateBroadcast(ctx, json.RawMessage(`{"text":"stale"}`), []string{"zoe"}, store.PriorityNormal, nil)
	if err != nil {
		t.Fatalf("CreateBroadcast failed: %v", err)
	}
	waitFor(t, "broadcast processing", func() bool {
		got, err := st.Broadcasts().Get(ctx, b.Id)
		return err == nil && got.Status == store.BroadcastProcessing
	})

	if err := p.Coordinator().CancelBroadcast(ctx, b.Id); err != nil {
		t.Fatalf("CancelBroadcast failed: %v", err)
	}
	got, _ := st.Broadcasts().Get(ctx, b.Id)
	if got.Status != store.BroadcastCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	// A late shard report still adds to the counter but cannot complete a
	// cancelled broadcast
	if _, err := p.Registry().Dispatch(CoordinatorActorId, ActionReportDelivery, &ReportDeliveryPayload{
		BroadcastId: b.Id,
		ShardId:     0,
		Delivered:   5,
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	waitFor(t, "late report applied", func() bool {
		got, err := st.Broadcasts().Get(ctx, b.Id)
		return err == nil && got.Delivered == 5
	})
	got, _ = st.Broadcasts().Get(ctx, b.Id)
	if got.Status != store.BroadcastCancelled {
		t.Fatalf("status after late report = %s, want cancelled", got.Status)
	}

	if err := p.Coordinator().CancelBroadcast(ctx, b.Id); err == nil {
		t.Fatal("expected error cancelling a terminal broadcast")
	}
}

func TestPipeline_CleanupInactiveUsers(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	// olga stays on the roster; pete disconnects and becomes inactive
	reg, err := p.Coordinator().RegisterUser(ctx, "olga")
	if err != nil {
		t.Fatalf("RegisterUser failed: %v", err)
	}
	connect(t, p, "pete")
	p.Disconnect("pete")
	waitFor(t, "pete inactive", func() bool {
		got, err := st.Registrations().Get(ctx, "pete")
		return err == nil && !got.Active
	})
	peteReg, _ := st.Registrations().Get(ctx, "pete")

	// Cleanup on pete's shard removes pete; olga and the unknown id are
	// skipped when the shard owns them, ignored otherwise
	candidates := []string{"olga", "pete", "ghost"}
	op, err := p.CleanupInactiveUsers(ctx, peteReg.ShardId, candidates, 0)
	if err != nil {
		t.Fatalf("CleanupInactiveUsers failed: %v", err)
	}
	if op.Status != store.CleanupCompleted {
		t.Fatalf("op status = %s, want completed", op.Status)
	}
	if op.Removed != 1 {
		t.Fatalf("removed = %d, want 1", op.Removed)
	}
	if op.Skipped != 2 {
		t.Fatalf("skipped = %d, want 2", op.Skipped)
	}

	if _, err := st.Registrations().Get(ctx, "pete"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("pete's registration = %v, want ErrNotFound", err)
	}

	// olga untouched regardless of which shard ran the pass
	got, err := st.Registrations().Get(ctx, "olga")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Active || got.ShardId != reg.ShardId {
		t.Fatalf("olga's registration changed: %+v", got)
	}

	// The audit row is durable
	stored, err := st.Cleanups().Get(ctx, op.Id)
	if err != nil {
		t.Fatalf("Cleanups.Get failed: %v", err)
	}
	if stored.Removed != 1 || stored.Skipped != 2 {
		t.Fatalf("stored audit = %d/%d, want 1/2", stored.Removed, stored.Skipped)
	}
}

func TestPipeline_CleanupAgeThreshold(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()

	connect(t, p, "quinn")
	p.Disconnect("quinn")
	waitFor(t, "quinn inactive", func() bool {
		got, err := st.Registrations().Get(ctx, "quinn")
		return err == nil && !got.Active
	})
	reg, _ := st.Registrations().Get(ctx, "quinn")

	// A fresh inactive registration is younger than the threshold
	op, err := p.CleanupInactiveUsers(ctx, reg.ShardId, []string{"quinn"}, time.Hour.Milliseconds())
	if err != nil {
		t.Fatalf("CleanupInactiveUsers failed: %v", err)
	}
	if op.Removed != 0 || op.Skipped != 1 {
		t.Fatalf("removed/skipped = %d/%d, want 0/1", op.Removed, op.Skipped)
	}
	if _, err := st.Registrations().Get(ctx, "quinn"); err != nil {
		t.Fatalf("registration should survive threshold check: %v", err)
	}
}

func TestHealth_Classification(t *testing.T) {
	cases := []struct {
		errorRate float64
		want      HealthLevel
	}{
		{0, HealthHealthy},
		{0.05, HealthHealthy},
		{0.051, HealthDegraded},
		{0.1, HealthDegraded},
		{0.101, HealthUnhealthy},
		{1, HealthUnhealthy},
	}
	for _, c := range cases {
		if got := classifyHealth(c.errorRate); got != c.want {
			t.Fatalf("classifyHealth(%v) = %s, want %s", c.errorRate, got, c.want)
		}
	}
}

func TestCoordinator_HealthAggregation(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	report, err := p.Coordinator().Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if report.Level != HealthHealthy {
		t.Fatalf("level = %s, want healthy", report.Level)
	}
	if len(report.Shards) != 2 {
		t.Fatalf("shard snapshots = %d, want 2", len(report.Shards))
	}
	for _, perf := range report.Shards {
		if perf.Health != HealthHealthy {
			t.Fatalf("shard %d health = %s, want healthy", perf.ShardId, perf.Health)
		}
	}
}

func TestShardActorIds(t *testing.T) {
	if got := ShardActorId(3); got != "shard-3" {
		t.Fatalf("ShardActorId(3) = %q", got)
	}
	if got := UserActorId("bob"); got != "user-bob" {
		t.Fatalf("UserActorId(bob) = %q", got)
	}
}
