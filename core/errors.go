package core

import "errors"

// Sentinel errors used across the orchestration core. Components wrap these
// with fmt.Errorf("...: %w", err) so callers can classify with errors.Is.
var (
	// ErrServiceNotFound indicates a gateway call named an unregistered service
	ErrServiceNotFound = errors.New("service not found")

	// ErrMethodNotSupported indicates a service does not expose the called method
	ErrMethodNotSupported = errors.New("method not supported")

	// ErrCircuitBreakerOpen indicates the circuit breaker rejected the call
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// ErrMailboxFull indicates an actor mailbox rejected a message after the
	// enqueue timeout elapsed
	ErrMailboxFull = errors.New("actor mailbox full")

	// ErrActorStopped indicates a message was sent to a stopped actor
	ErrActorStopped = errors.New("actor stopped")

	// ErrAskTimeout indicates an ask did not receive a reply in time
	ErrAskTimeout = errors.New("ask timed out")

	// ErrMaxRetriesExceeded indicates retries were exhausted
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// ErrInvalidPlan indicates the planner produced an unusable plan
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrSessionNotFound indicates the context store has no such session
	ErrSessionNotFound = errors.New("session not found")

	// ErrTaskNotFound indicates the research store has no such task
	ErrTaskNotFound = errors.New("research task not found")

	// ErrNoProvider indicates no LLM provider is configured or reachable
	ErrNoProvider = errors.New("no llm provider available")
)

// IsCircuitOpen reports whether err is a circuit breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitBreakerOpen)
}

// IsNotFound reports whether err is one of the not-found family. These are
// business errors: they never count toward circuit breaker thresholds and
// are never retried.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrTaskNotFound)
}

// IsBusinessError reports whether err should bypass retry and failover.
func IsBusinessError(err error) bool {
	return IsNotFound(err) ||
		errors.Is(err, ErrMethodNotSupported) ||
		errors.Is(err, ErrInvalidPlan)
}
