package forwarder

import (
	"sync"
	"time"
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes to close from half-open
	Timeout          time.Duration // open duration before probing
}

// DefaultCircuitBreakerConfig returns the default circuit breaker settings
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// UpstreamHealth tracks per-upstream circuit breakers
type UpstreamHealth struct {
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
	config   CircuitBreakerConfig
}

// NewUpstreamHealth creates a breaker for each upstream
func NewUpstreamHealth(upstreams []string, config CircuitBreakerConfig) *UpstreamHealth {
	uh := &UpstreamHealth{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
	for _, upstream := range upstreams {
		uh.breakers[upstream] = NewCircuitBreaker(
			config.FailureThreshold,
			config.SuccessThreshold,
			config.Timeout,
		)
	}
	return uh
}

func (uh *UpstreamHealth) breaker(upstream string) *CircuitBreaker {
	uh.mu.RLock()
	defer uh.mu.RUnlock()
	return uh.breakers[upstream]
}

// Allow reports whether the upstream should be tried right now. It also
// drives the open-to-half-open transition.
func (uh *UpstreamHealth) Allow(upstream string) bool {
	breaker := uh.breaker(upstream)
	if breaker == nil {
		return true
	}
	return breaker.Allow()
}

// IsHealthy returns true unless the upstream circuit is open
func (uh *UpstreamHealth) IsHealthy(upstream string) bool {
	breaker := uh.breaker(upstream)
	if breaker == nil {
		return true
	}
	return breaker.IsHealthy()
}

// RecordResult records the outcome of an upstream exchange
func (uh *UpstreamHealth) RecordResult(upstream string, err error) {
	breaker := uh.breaker(upstream)
	if breaker == nil {
		return
	}
	if err != nil {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
}

// GetStats returns the breaker counters for an upstream
func (uh *UpstreamHealth) GetStats(upstream string) (failures, successes int64, state CircuitState) {
	breaker := uh.breaker(upstream)
	if breaker == nil {
		return 0, 0, StateClosed
	}
	return breaker.GetStats()
}

// GetAllStats returns the circuit state of every tracked upstream
func (uh *UpstreamHealth) GetAllStats() map[string]CircuitState {
	uh.mu.RLock()
	defer uh.mu.RUnlock()

	stats := make(map[string]CircuitState, len(uh.breakers))
	for upstream, breaker := range uh.breakers {
		stats[upstream] = breaker.GetState()
	}
	return stats
}

// ResetAll closes every breaker
func (uh *UpstreamHealth) ResetAll() {
	uh.mu.RLock()
	defer uh.mu.RUnlock()

	for _, breaker := range uh.breakers {
		breaker.Reset()
	}
}
