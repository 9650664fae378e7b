package classifier

import (
	"sync"
	"time"
)

// CircuitBreaker stops calling an endpoint after repeated failures until a cool-down passes
type CircuitBreaker struct {
	failures    int
	lastFailure time.Time
	threshold   int
	timeout     time.Duration
	now         func() time.Time
	mu          sync.Mutex
}

// NewCircuitBreaker creates a breaker that opens after threshold consecutive failures
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Open reports whether calls should be skipped
func (cb *CircuitBreaker) Open() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.threshold <= 0 {
		return false
	}
	since := cb.now().Sub(cb.lastFailure)
	if cb.failures >= cb.threshold && since < cb.timeout {
		return true
	}
	if since >= cb.timeout {
		cb.failures = 0
	}
	return false
}

// Success closes the breaker
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
}

// Failure counts a failed call
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = cb.now()
}
