package gateway

import (
	"sync"
	"time"

	"github.com/quorra-ai/quorra/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a single trial request
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds configuration for a per-service circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int

	// RecoveryTimeout is how long to wait before allowing a trial call
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig returns the gateway's per-service defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// CircuitBreaker is a count-based breaker guarding one registered service.
// Transitions: closed→open at the failure threshold; open→half-open once
// the recovery timeout elapses; half-open→closed on success and back to
// open on failure. Exactly one trial call is admitted while half-open.
type CircuitBreaker struct {
	mu sync.Mutex

	config          BreakerConfig
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	probeInFlight   bool

	// now is swappable for tests
	now func() time.Time
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// core.ErrCircuitBreakerOpen until the recovery window elapses, at which
// point the breaker moves to half-open and admits one trial.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.config.RecoveryTimeout {
			return core.ErrCircuitBreakerOpen
		}
		cb.state = StateHalfOpen
		cb.probeInFlight = true
		return nil
	case StateHalfOpen:
		if cb.probeInFlight {
			return core.ErrCircuitBreakerOpen
		}
		cb.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.state = StateClosed
	cb.probeInFlight = false
}

// RecordFailure counts a failure; the trial failing while half-open, or the
// threshold being reached while closed, opens the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()
	cb.probeInFlight = false

	if cb.state == StateHalfOpen || cb.failureCount >= cb.config.FailureThreshold {
		cb.state = StateOpen
	}
}

// GetState returns the current state as a string.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// GetMetrics returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"state":             cb.state.String(),
		"failure_count":     cb.failureCount,
		"failure_threshold": cb.config.FailureThreshold,
		"last_failure_time": cb.lastFailureTime,
	}
}

// Reset manually returns the breaker to the closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.probeInFlight = false
}
