package backend

import (
	"sync"
	"time"
)

// CircuitState is one of the three states a CircuitBreaker can occupy.
type CircuitState int

const (
	// CircuitClosed allows attempts; failures accumulate toward threshold.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects every attempt until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen allows exactly one probe attempt to decide whether to
	// close the circuit again or reopen it.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerSnapshot is a point-in-time, lock-free copy of a
// CircuitBreaker's state for status reporting.
type CircuitBreakerSnapshot struct {
	State           CircuitState
	FailureCount    int
	LastStateChange time.Time
	LastFailureTime time.Time
}

// CircuitBreaker guards a backend connection against hammering a consistently
// failing upstream. It is a supplement to the connection's own
// starting/ready/degraded state machine: the state machine tracks whether the
// connection currently looks usable, while the breaker tracks whether it is
// even worth attempting a call right now.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	resetTime time.Duration

	state           CircuitState
	failureCount    int
	lastStateChange time.Time
	lastFailureTime time.Time
	halfOpenInFlight bool
}

// NewCircuitBreaker builds a breaker that opens after threshold consecutive
// failures and allows one probe attempt resetTimeout after opening.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:       threshold,
		resetTime:       resetTimeout,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// GetState returns the breaker's current state without mutating it.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetFailureCount returns the number of consecutive failures recorded since
// the last success or state reset.
func (cb *CircuitBreaker) GetFailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// GetLastStateChange returns the time of the most recent state transition.
func (cb *CircuitBreaker) GetLastStateChange() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastStateChange
}

// GetSnapshot returns a consistent copy of all breaker fields at once.
func (cb *CircuitBreaker) GetSnapshot() CircuitBreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerSnapshot{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		LastStateChange: cb.lastStateChange,
		LastFailureTime: cb.lastFailureTime,
	}
}

// CanAttempt reports whether a call may be attempted right now. Calling it
// on an Open breaker whose reset timeout has elapsed transitions it to
// HalfOpen and grants exactly one caller permission to probe; every other
// concurrent caller is denied until that probe's result is recorded.
func (cb *CircuitBreaker) CanAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	case CircuitOpen:
		if time.Since(cb.lastStateChange) < cb.resetTime {
			return false
		}
		cb.setState(CircuitHalfOpen)
		cb.halfOpenInFlight = true
		return true
	default:
		return false
	}
}

// RecordFailure registers a failed attempt. From Closed it opens the circuit
// once threshold consecutive failures accumulate; from HalfOpen a single
// failed probe reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitHalfOpen:
		cb.halfOpenInFlight = false
		cb.failureCount++
		cb.setState(CircuitOpen)
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.threshold {
			cb.setState(CircuitOpen)
		}
	case CircuitOpen:
		cb.failureCount++
	}
}

// RecordSuccess registers a successful attempt, resetting the failure count
// and closing the circuit if it was HalfOpen.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.halfOpenInFlight = false
	cb.failureCount = 0
	if cb.state != CircuitClosed {
		cb.setState(CircuitClosed)
	}
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	cb.lastStateChange = time.Now()
}
