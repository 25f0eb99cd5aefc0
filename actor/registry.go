package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaonanln/fanverse/util/logger"
)

// ErrActorUnreachable is returned when a message targets an actor id that is
// not registered.
var ErrActorUnreachable = errors.New("actor unreachable")

// Ack is the immediate acknowledgement returned by Dispatch.
type Ack struct {
	Status string `json:"status"`
}

// StatusAccepted is the Status of every successful dispatch acknowledgement.
const StatusAccepted = "accepted"

// envelope is one message queued on an actor's mailbox. reply is nil for
// fire-and-forget dispatches.
type envelope struct {
	action  string
	payload interface{}
	reply   chan callResult
}

type callResult struct {
	value interface{}
	err   error
}

// mailbox serializes message processing for a single actor.
type mailbox struct {
	messages chan envelope
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

const mailboxDepth = 256

// Registry addresses actors by stable id and owns one serial mailbox per
// actor. Cross-actor communication goes exclusively through Dispatch and
// Call; no actor holds a reference to another.
type Registry struct {
	mu        sync.RWMutex
	actors    map[string]Actor
	mailboxes map[string]*mailbox
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *logger.Logger
	stopped   bool
}

// NewRegistry creates an empty actor registry.
func NewRegistry() *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		actors:    make(map[string]Actor),
		mailboxes: make(map[string]*mailbox),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.NewLogger("ActorRegistry"),
	}
}

// Add registers an actor and starts its mailbox worker. The actor must have
// been initialized via OnInit first.
func (r *Registry) Add(a Actor) error {
	if a.Id() == "" {
		return fmt.Errorf("actor id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return fmt.Errorf("registry is stopped")
	}
	if _, exists := r.actors[a.Id()]; exists {
		return fmt.Errorf("actor already registered: %s", a.Id())
	}

	mbCtx, mbCancel := context.WithCancel(r.ctx)
	mb := &mailbox{
		messages: make(chan envelope, mailboxDepth),
		ctx:      mbCtx,
		cancel:   mbCancel,
		done:     make(chan struct{}),
	}
	r.actors[a.Id()] = a
	r.mailboxes[a.Id()] = mb

	go r.run(a, mb)
	return nil
}

// run is the mailbox worker loop for one actor.
func (r *Registry) run(a Actor, mb *mailbox) {
	defer close(mb.done)

	for {
		select {
		case <-mb.ctx.Done():
			return
		case env := <-mb.messages:
			value, err := a.HandleAction(mb.ctx, env.action, env.payload)
			if env.reply != nil {
				env.reply <- callResult{value: value, err: err}
			} else if err != nil {
				r.logger.Errorf("%s: action %s failed: %v", a, env.action, err)
			}
		}
	}
}

// Remove unregisters an actor and stops its mailbox. Queued messages that
// have not started processing are discarded.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	mb, ok := r.mailboxes[id]
	if ok {
		delete(r.actors, id)
		delete(r.mailboxes, id)
	}
	r.mu.Unlock()

	if ok {
		mb.cancel()
		<-mb.done
	}
}

// Get returns the actor registered under id.
func (r *Registry) Get(id string) (Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[id]
	return a, ok
}

// Len returns the number of registered actors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

func (r *Registry) lookup(id string) (*mailbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return nil, fmt.Errorf("registry is stopped")
	}
	mb, ok := r.mailboxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActorUnreachable, id)
	}
	return mb, nil
}

// Dispatch queues an action on the target actor's mailbox and returns
// immediately with an accepted acknowledgement. The caller learns about
// completion only through later, independent messages.
func (r *Registry) Dispatch(target, action string, payload interface{}) (Ack, error) {
	mb, err := r.lookup(target)
	if err != nil {
		return Ack{}, err
	}

	select {
	case mb.messages <- envelope{action: action, payload: payload}:
		return Ack{Status: StatusAccepted}, nil
	case <-mb.ctx.Done():
		return Ack{}, fmt.Errorf("%w: %s", ErrActorUnreachable, target)
	}
}

// Call queues an action on the target actor's mailbox and waits for the
// result. Used where the caller must observe downstream success before
// committing its own state, e.g. optimistic counter updates.
func (r *Registry) Call(ctx context.Context, target, action string, payload interface{}) (interface{}, error) {
	mb, err := r.lookup(target)
	if err != nil {
		return nil, err
	}

	reply := make(chan callResult, 1)
	select {
	case mb.messages <- envelope{action: action, payload: payload, reply: reply}:
	case <-mb.ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrActorUnreachable, target)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case result := <-reply:
		return result.value, result.err
	case <-mb.ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrActorUnreachable, target)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts down every mailbox and waits for in-flight actions to finish.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	mailboxes := make([]*mailbox, 0, len(r.mailboxes))
	for _, mb := range r.mailboxes {
		mailboxes = append(mailboxes, mb)
	}
	r.mu.Unlock()

	r.cancel()
	for _, mb := range mailboxes {
		<-mb.done
	}
}
