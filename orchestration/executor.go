package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quorra-ai/quorra/core"
	"github.com/quorra-ai/quorra/gateway"
)

const (
	// DefaultTaskTimeout bounds one gateway call.
	DefaultTaskTimeout = 30 * time.Second
	// DefaultMaxRetries is how many times a failed task is retried.
	DefaultMaxRetries = 2
	// DefaultPoolSize is the executor pool width.
	DefaultPoolSize = 5
)

// executeTaskPayload carries an execute_task message.
type executeTaskPayload struct {
	Task *Task
}

// ExecutorActor runs one task at a time against the gateway with
// per-task timeout and linear retry backoff. The gateway itself never
// retries; all retry policy lives here.
type ExecutorActor struct {
	name       string
	gw         *gateway.Gateway
	parent     *Actor
	timeout    time.Duration
	maxRetries int
	logger     core.Logger

	// sleep is swappable for tests
	sleep func(time.Duration)
}

// NewExecutorActor creates one executor behavior.
func NewExecutorActor(name string, gw *gateway.Gateway, parent *Actor, logger core.Logger) *ExecutorActor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ExecutorActor{
		name:       name,
		gw:         gw,
		parent:     parent,
		timeout:    DefaultTaskTimeout,
		maxRetries: DefaultMaxRetries,
		logger:     logger,
		sleep:      time.Sleep,
	}
}

// Receive handles execute_task messages.
func (e *ExecutorActor) Receive(ctx context.Context, msg Message) (interface{}, error) {
	switch msg.Type {
	case MsgExecuteTask:
		p, ok := msg.Payload.(executeTaskPayload)
		if !ok || p.Task == nil {
			return nil, fmt.Errorf("executor %s: malformed execute_task payload", e.name)
		}
		result := e.executeTask(ctx, p.Task, msg.CorrelationID)
		if e.parent != nil {
			// Fire-and-forget notification alongside the ask reply
			_ = e.parent.Tell(Message{
				Type:          MsgTaskResult,
				Payload:       result,
				CorrelationID: msg.CorrelationID,
				Sender:        e.name,
			})
		}
		return result, nil
	default:
		return nil, nil
	}
}

func (e *ExecutorActor) executeTask(ctx context.Context, task *Task, correlationID string) *TaskResult {
	service := task.Service
	if service == "" {
		service = ResolveTool(task.Tool)
	}
	timeout := e.timeout
	if task.TimeoutSeconds > 0 {
		timeout = time.Duration(task.TimeoutSeconds) * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			e.sleep(time.Duration(attempt) * time.Second)
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := e.gw.Call(callCtx, service, task.Tool, task.Parameters)
		cancel()

		if err == nil {
			e.logger.Debug("Task completed", map[string]interface{}{
				"operation":      "execute_task",
				"executor":       e.name,
				"task_id":        task.ID,
				"tool":           task.Tool,
				"service":        service,
				"attempt":        attempt + 1,
				"correlation_id": correlationID,
			})
			return &TaskResult{TaskID: task.ID, Result: result, Success: true}
		}

		lastErr = err
		e.logger.Warn("Task attempt failed", map[string]interface{}{
			"operation":      "execute_task",
			"executor":       e.name,
			"task_id":        task.ID,
			"tool":           task.Tool,
			"service":        service,
			"attempt":        attempt + 1,
			"correlation_id": correlationID,
			"error":          err.Error(),
		})

		// Open breakers fail fast; retrying would only hammer them
		if errors.Is(err, core.ErrCircuitBreakerOpen) {
			break
		}
	}

	return &TaskResult{TaskID: task.ID, Error: lastErr.Error(), Success: false}
}

// ExecutorPool is a fixed set of executor actors with round-robin
// dispatch.
type ExecutorPool struct {
	actors []*Actor
	next   atomic.Uint64
}

// NewExecutorPool spawns and starts size executors.
func NewExecutorPool(ctx context.Context, size int, gw *gateway.Gateway, parent *Actor, supervisor *Supervisor, logger core.Logger) *ExecutorPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	pool := &ExecutorPool{actors: make([]*Actor, size)}
	for i := 0; i < size; i++ {
		name := fmt.Sprintf("executor-%d", i)
		actor := NewActor(name, NewExecutorActor(name, gw, parent, logger), logger)
		if supervisor != nil {
			supervisor.Supervise(actor)
		}
		actor.Start(ctx)
		pool.actors[i] = actor
	}
	return pool
}

// Next picks the next executor round-robin.
func (p *ExecutorPool) Next() *Actor {
	n := p.next.Add(1)
	return p.actors[(n-1)%uint64(len(p.actors))]
}

// Size returns the pool width.
func (p *ExecutorPool) Size() int { return len(p.actors) }

// Stop stops every executor.
func (p *ExecutorPool) Stop() {
	for _, actor := range p.actors {
		actor.Stop()
	}
}
