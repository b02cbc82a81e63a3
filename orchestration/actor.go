// Package orchestration implements the actor hierarchy that drives
// request processing: an Orchestrator supervising a Planner, a Router,
// an Executor pool and a Memory actor, communicating only by messages.
package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quorra-ai/quorra/core"
)

// Message type constants routed between actors.
const (
	MsgIntent           = "intent"
	MsgCreatePlan       = "create_plan"
	MsgExecuteTask      = "execute_task"
	MsgTaskResult       = "task_result"
	MsgResolveTool      = "resolve_tool"
	MsgStoreSession     = "store_session"
	MsgGetSession       = "get_session"
	MsgRecordSkill      = "record_skill"
	MsgFindSkills       = "find_similar_skills"
	MsgUpdateSkillStats = "update_skill_stats"
	MsgChildError       = "child_error"
)

const (
	// DefaultMailboxSize bounds every actor mailbox.
	DefaultMailboxSize = 1000
	// tellTimeout is how long Tell waits for mailbox space.
	tellTimeout = 5 * time.Second
)

// Message is the unit of actor communication.
type Message struct {
	Type          string
	Payload       interface{}
	CorrelationID string
	Sender        string
}

type reply struct {
	value interface{}
	err   error
}

type envelope struct {
	msg     Message
	replyTo chan reply
}

// Behavior processes one message at a time and may return a value for
// the ask pattern.
type Behavior interface {
	Receive(ctx context.Context, msg Message) (interface{}, error)
}

// errorHandler is notified when a behavior returns an error or panics.
type errorHandler func(actor *Actor, msg Message, err error)

// Actor owns a bounded mailbox and a single processing goroutine.
// State lives in the Behavior; messages are handled strictly FIFO.
type Actor struct {
	name     string
	behavior Behavior
	mailbox  chan envelope
	onError  errorHandler
	logger   core.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewActor creates an unstarted actor.
func NewActor(name string, behavior Behavior, logger core.Logger) *Actor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Actor{
		name:     name,
		behavior: behavior,
		mailbox:  make(chan envelope, DefaultMailboxSize),
		logger:   logger,
		stopped:  make(chan struct{}),
	}
}

// Name returns the actor name.
func (a *Actor) Name() string { return a.name }

// Start launches the message loop.
func (a *Actor) Start(ctx context.Context) {
	go a.loop(ctx)
}

// Stop terminates the loop after in-flight processing completes.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() { close(a.stopped) })
}

func (a *Actor) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopped:
			return
		case env := <-a.mailbox:
			result, err := a.safeReceive(ctx, env.msg)
			if env.replyTo != nil {
				env.replyTo <- reply{value: result, err: err}
			}
			if err != nil && a.onError != nil {
				a.onError(a, env.msg, err)
			}
		}
	}
}

func (a *Actor) safeReceive(ctx context.Context, msg Message) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked on %s: %v", a.name, msg.Type, r)
		}
	}()
	return a.behavior.Receive(ctx, msg)
}

func (a *Actor) enqueue(env envelope) error {
	select {
	case <-a.stopped:
		return fmt.Errorf("tell %s: %w", a.name, core.ErrActorStopped)
	default:
	}

	timer := time.NewTimer(tellTimeout)
	defer timer.Stop()
	select {
	case a.mailbox <- env:
		return nil
	case <-a.stopped:
		return fmt.Errorf("tell %s: %w", a.name, core.ErrActorStopped)
	case <-timer.C:
		return fmt.Errorf("tell %s: %w", a.name, core.ErrMailboxFull)
	}
}

// Tell enqueues a message without waiting for a result. It fails with
// ErrMailboxFull when the mailbox stays full for the enqueue timeout.
func (a *Actor) Tell(msg Message) error {
	return a.enqueue(envelope{msg: msg})
}

// Ask enqueues a message and waits for the behavior's reply.
func (a *Actor) Ask(ctx context.Context, msg Message, timeout time.Duration) (interface{}, error) {
	replyTo := make(chan reply, 1)
	if err := a.enqueue(envelope{msg: msg, replyTo: replyTo}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-replyTo:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("ask %s %s: %w", a.name, msg.Type, core.ErrAskTimeout)
	}
}
