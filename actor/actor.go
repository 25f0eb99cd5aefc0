package actor

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/xiaonanln/fanverse/util/logger"
	"github.com/xiaonanln/fanverse/util/uniqueid"
)

// Actor is an independently addressable unit owning its own state. Actors are
// reached only through the Registry: every operation on one instance runs
// serially on that instance's mailbox, while distinct actors run concurrently.
type Actor interface {
	Id() string
	Type() string
	String() string
	CreationTime() time.Time
	OnInit(self Actor, id string)

	// HandleAction processes one named action on the actor's mailbox. It is
	// never invoked concurrently for the same actor instance.
	HandleAction(ctx context.Context, action string, payload interface{}) (interface{}, error)
}

// BaseActor provides the identity plumbing shared by all actor types.
// Embed it and implement HandleAction.
type BaseActor struct {
	self         Actor
	id           string
	creationTime time.Time
	Logger       *logger.Logger
}

func (base *BaseActor) OnInit(self Actor, id string) {
	base.self = self
	if id == "" {
		id = uniqueid.UniqueId()
	}
	base.id = id
	base.creationTime = time.Now()
	base.Logger = logger.NewLogger(fmt.Sprintf("%s@%s", base.Type(), base.id))
}

func (base *BaseActor) String() string {
	selfTypeName := reflect.TypeOf(base.self).Elem().Name()
	return fmt.Sprintf("%s(%s)", selfTypeName, base.id)
}

func (base *BaseActor) Id() string {
	return base.id
}

func (base *BaseActor) Type() string {
	return reflect.TypeOf(base.self).Elem().Name()
}

func (base *BaseActor) CreationTime() time.Time {
	return base.creationTime
}
