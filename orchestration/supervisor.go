package orchestration

import (
	"sync"

	"github.com/quorra-ai/quorra/core"
)

// DefaultMaxRestarts is how many times a child recovers before it is
// stopped permanently.
const DefaultMaxRestarts = 3

// ChildError is escalated upward when a child exceeds its restart cap.
type ChildError struct {
	Child string
	Err   error
}

// Supervisor applies a restart policy to a set of child actors. Child
// errors are absorbed up to the cap; beyond it the child is stopped and
// the failure escalates.
type Supervisor struct {
	mu          sync.Mutex
	maxRestarts int
	restarts    map[string]int
	escalate    func(ChildError)
	logger      core.Logger
}

// NewSupervisor creates a supervisor with the given escalation hook.
func NewSupervisor(maxRestarts int, escalate func(ChildError), logger core.Logger) *Supervisor {
	if maxRestarts <= 0 {
		maxRestarts = DefaultMaxRestarts
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Supervisor{
		maxRestarts: maxRestarts,
		restarts:    make(map[string]int),
		escalate:    escalate,
		logger:      logger,
	}
}

// Supervise attaches the restart policy to the actor.
func (s *Supervisor) Supervise(actor *Actor) {
	actor.onError = s.handleChildError
}

// Restarts returns how many times the named child has been restarted.
func (s *Supervisor) Restarts(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts[name]
}

func (s *Supervisor) handleChildError(actor *Actor, msg Message, err error) {
	s.mu.Lock()
	s.restarts[actor.Name()]++
	count := s.restarts[actor.Name()]
	s.mu.Unlock()

	if count <= s.maxRestarts {
		s.logger.Warn("Child actor restarted", map[string]interface{}{
			"operation":    "supervise",
			"child":        actor.Name(),
			"message_type": msg.Type,
			"restart":      count,
			"error":        err.Error(),
		})
		return
	}

	s.logger.Error("Child actor exceeded restart cap, stopping", map[string]interface{}{
		"operation": "supervise",
		"child":     actor.Name(),
		"restarts":  count,
		"error":     err.Error(),
	})
	actor.Stop()
	if s.escalate != nil {
		s.escalate(ChildError{Child: actor.Name(), Err: err})
	}
}
