package forwarder

import (
	"sync/atomic"
	"time"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed means the upstream is healthy and used normally
	StateClosed CircuitState = iota
	// StateOpen means the upstream is skipped during failover
	StateOpen
	// StateHalfOpen means a limited number of probe requests are allowed
	StateHalfOpen
)

// String returns the string representation of the circuit state
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

// CircuitBreaker tracks consecutive failures for a single upstream and
// decides when it should be skipped.
type CircuitBreaker struct {
	state           atomic.Int32
	failures        atomic.Int64
	successes       atomic.Int64
	lastStateChange atomic.Int64 // unix nanos
	halfOpenReqs    atomic.Int32

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenMax      int32
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		halfOpenMax:      3,
	}
	cb.state.Store(int32(StateClosed))
	cb.lastStateChange.Store(time.Now().UnixNano())
	return cb
}

// Allow reports whether a request may be sent through this breaker. An open
// circuit whose timeout expired transitions to half-open and lets a bounded
// number of probes through.
func (cb *CircuitBreaker) Allow() bool {
	switch CircuitState(cb.state.Load()) {
	case StateOpen:
		sinceChange := time.Since(time.Unix(0, cb.lastStateChange.Load()))
		if sinceChange <= cb.timeout {
			return false
		}
		if cb.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			cb.lastStateChange.Store(time.Now().UnixNano())
			cb.successes.Store(0)
			cb.failures.Store(0)
			cb.halfOpenReqs.Store(0)
		}
		return cb.halfOpenReqs.Add(1) <= cb.halfOpenMax

	case StateHalfOpen:
		return cb.halfOpenReqs.Add(1) <= cb.halfOpenMax

	default:
		return true
	}
}

// RecordFailure counts a failed request against the breaker
func (cb *CircuitBreaker) RecordFailure() {
	failures := cb.failures.Add(1)

	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		if failures >= int64(cb.failureThreshold) {
			if cb.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
				cb.lastStateChange.Store(time.Now().UnixNano())
			}
		}

	case StateHalfOpen:
		// Any failure during probing reopens the circuit.
		if cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
			cb.lastStateChange.Store(time.Now().UnixNano())
			cb.failures.Store(0)
			cb.successes.Store(0)
		}
	}
}

// RecordSuccess counts a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	successes := cb.successes.Add(1)
	cb.failures.Store(0)

	if CircuitState(cb.state.Load()) == StateHalfOpen && successes >= int64(cb.successThreshold) {
		if cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
			cb.lastStateChange.Store(time.Now().UnixNano())
		}
	}
}

// GetState returns the current circuit state
func (cb *CircuitBreaker) GetState() CircuitState {
	return CircuitState(cb.state.Load())
}

// IsHealthy returns true unless the circuit is open
func (cb *CircuitBreaker) IsHealthy() bool {
	return cb.GetState() != StateOpen
}

// GetStats returns circuit breaker counters and state
func (cb *CircuitBreaker) GetStats() (failures, successes int64, state CircuitState) {
	return cb.failures.Load(), cb.successes.Load(), cb.GetState()
}

// Reset returns the breaker to the closed state
func (cb *CircuitBreaker) Reset() {
	cb.state.Store(int32(StateClosed))
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.lastStateChange.Store(time.Now().UnixNano())
}
