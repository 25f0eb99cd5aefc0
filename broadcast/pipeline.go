package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaonanln/fanverse/actor"
	"github.com/xiaonanln/fanverse/scale"
	"github.com/xiaonanln/fanverse/sharding"
	"github.com/xiaonanln/fanverse/store"
	"github.com/xiaonanln/fanverse/transport"
	"github.com/xiaonanln/fanverse/util/logger"
)

// Pipeline assembles the full fan-out topology: the actor registry, the
// coordinator, the shard processors and the per-user actors created on
// demand. It is the only type the transport and admin surfaces talk to.
type Pipeline struct {
	registry    *actor.Registry
	st          store.Store
	presets     *scale.Registry
	coordinator *BroadcastCoordinator
	logger      *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	heartbeatInterval time.Duration
	connCount         atomic.Int64

	mu     sync.Mutex
	shards map[int]*ShardProcessor
}

// NewPipeline builds the pipeline and spins up the shard processors for the
// active preset.
func NewPipeline(st store.Store, presets *scale.Registry, heartbeatInterval time.Duration) (*Pipeline, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		registry:          actor.NewRegistry(),
		st:                st,
		presets:           presets,
		logger:            logger.NewLogger("Pipeline"),
		ctx:               ctx,
		cancel:            cancel,
		heartbeatInterval: heartbeatInterval,
		shards:            make(map[int]*ShardProcessor),
	}

	p.coordinator = NewCoordinator(p.registry, st, presets, p)
	if err := p.registry.Add(p.coordinator); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register coordinator: %w", err)
	}

	if err := p.EnsureShards(presets.Active().NumShards); err != nil {
		cancel()
		return nil, err
	}

	return p, nil
}

// Coordinator returns the broadcast coordinator.
func (p *Pipeline) Coordinator() *BroadcastCoordinator {
	return p.coordinator
}

// Registry returns the actor registry.
func (p *Pipeline) Registry() *actor.Registry {
	return p.registry
}

// ConnectedUsers returns the number of live connections across all users.
func (p *Pipeline) ConnectedUsers() int64 {
	return p.connCount.Load()
}

// EnsureShards guarantees shard processors 0..n-1 exist. Shards are created
// but never torn down, so shrinking the preset leaves extra shards serving
// their existing rosters.
func (p *Pipeline) EnsureShards(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for shardId := 0; shardId < n; shardId++ {
		if _, ok := p.shards[shardId]; ok {
			continue
		}
		sp := NewShardProcessor(p.ctx, p.registry, p.st, p.presets, shardId)
		if err := p.registry.Add(sp); err != nil {
			sp.Stop()
			return fmt.Errorf("failed to register shard %d: %w", shardId, err)
		}
		p.shards[shardId] = sp
	}
	return nil
}

// ShardIds lists the existing shard ids in ascending order.
func (p *Pipeline) ShardIds() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]int, 0, len(p.shards))
	for id := range p.shards {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// EnsureUserActor returns the user's actor, creating it on first use. An
// existing registration pins the user to their original shard; otherwise the
// shard is derived from the user id and the active preset.
func (p *Pipeline) EnsureUserActor(ctx context.Context, userId string) (*UserActor, error) {
	if userId == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}

	if a, ok := p.registry.Get(UserActorId(userId)); ok {
		ua, ok := a.(*UserActor)
		if !ok {
			return nil, fmt.Errorf("actor %s is not a user actor", UserActorId(userId))
		}
		return ua, nil
	}

	shardId := -1
	if reg, err := p.st.Registrations().Get(ctx, userId); err == nil {
		shardId = reg.ShardId
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load registration for %s: %w", userId, err)
	}
	if shardId < 0 {
		shardId = sharding.ShardFor(userId, p.presets.Active().NumShards)
	}

	ua := NewUserActor(p.registry, p.st, userId, shardId, p.heartbeatInterval, &p.connCount)
	if err := p.registry.Add(ua); err != nil {
		// Lost a racing create; use the winner
		if a, ok := p.registry.Get(UserActorId(userId)); ok {
			if existing, ok := a.(*UserActor); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return ua, nil
}

// Connect binds a live connection to the user's actor.
func (p *Pipeline) Connect(ctx context.Context, userId string, conn transport.Conn) error {
	ua, err := p.EnsureUserActor(ctx, userId)
	if err != nil {
		return err
	}
	if _, err := p.registry.Dispatch(ua.Id(), ActionConnect, conn); err != nil {
		return fmt.Errorf("failed to connect %s: %w", userId, err)
	}
	return nil
}

// Disconnect unbinds the user's connection.
func (p *Pipeline) Disconnect(userId string) {
	if _, err := p.registry.Dispatch(UserActorId(userId), ActionDisconnect, nil); err != nil {
		p.logger.Debugf("disconnect for unknown user %s: %v", userId, err)
	}
}

// HandleClientFrame parses one inbound client payload and routes it to the
// user's actor.
func (p *Pipeline) HandleClientFrame(userId string, data []byte) error {
	frame, err := transport.ParseControlFrame(data)
	if err != nil {
		return err
	}
	if _, err := p.registry.Dispatch(UserActorId(userId), ActionControlFrame, frame); err != nil {
		return fmt.Errorf("failed to route frame for %s: %w", userId, err)
	}
	return nil
}

// CleanupInactiveUsers runs a cleanup pass on one shard over the given
// candidate users and returns the audit record.
func (p *Pipeline) CleanupInactiveUsers(ctx context.Context, shardId int, userIds []string, thresholdMs int64) (*store.CleanupOperation, error) {
	result, err := p.registry.Call(ctx, ShardActorId(shardId), ActionCleanupUsers, &CleanupPayload{
		UserIds:     userIds,
		ThresholdMs: thresholdMs,
	})
	if err != nil {
		return nil, err
	}
	op, ok := result.(*store.CleanupOperation)
	if !ok {
		return nil, fmt.Errorf("shard %d returned unexpected cleanup payload %T", shardId, result)
	}
	return op, nil
}

// Stop shuts the pipeline down: the registry stops accepting work and every
// shard's worker pool drains.
func (p *Pipeline) Stop() {
	p.cancel()
	p.registry.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sp := range p.shards {
		sp.Stop()
	}
}
