// Package circuitbreaker guards provider calls. A provider whose calls keep
// failing with transient errors is short-circuited for a cool-down period.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of the circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

const (
	defaultFailureThreshold         = 5                // Consecutive failures that open the circuit
	defaultResetTimeout             = 30 * time.Second // Time before Open becomes HalfOpen
	defaultHalfOpenSuccessThreshold = 2                // HalfOpen successes that close the circuit
)

// Config holds breaker settings. Zero values take the defaults.
type Config struct {
	FailureThreshold         int
	ResetTimeout             time.Duration
	HalfOpenSuccessThreshold int
	Now                      func() time.Time
}

type providerState struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openUntil            time.Time
}

// CircuitBreaker tracks health per provider name. Safe for concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	providers map[string]*providerState
	cfg       Config
}

// NewCircuitBreaker creates a CircuitBreaker, filling unset Config fields with defaults.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = defaultHalfOpenSuccessThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{providers: make(map[string]*providerState), cfg: cfg}
}

// getProviderState must be called with mu held.
func (cb *CircuitBreaker) getProviderState(provider string) *providerState {
	ps, exists := cb.providers[provider]
	if !exists {
		ps = &providerState{state: StateClosed}
		cb.providers[provider] = ps
	}
	return ps
}

// AllowRequest reports whether a call to provider may proceed. An Open
// circuit whose reset timeout has passed moves to HalfOpen and allows it.
func (cb *CircuitBreaker) AllowRequest(provider string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.getProviderState(provider)
	switch ps.state {
	case StateOpen:
		if cb.cfg.Now().Before(ps.openUntil) {
			return false
		}
		ps.state = StateHalfOpen
		ps.consecutiveFailures = 0
		ps.consecutiveSuccesses = 0
		return true
	default:
		return true
	}
}

// RecordFailure records a failed call to provider.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.getProviderState(provider)
	switch ps.state {
	case StateClosed:
		ps.consecutiveFailures++
		if ps.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.trip(ps)
		}
	case StateHalfOpen:
		cb.trip(ps)
	case StateOpen:
		// A straggler that started before the circuit opened. The open
		// window is not extended.
	}
}

func (cb *CircuitBreaker) trip(ps *providerState) {
	ps.state = StateOpen
	ps.consecutiveFailures = cb.cfg.FailureThreshold
	ps.consecutiveSuccesses = 0
	ps.openUntil = cb.cfg.Now().Add(cb.cfg.ResetTimeout)
}

// RecordSuccess records a successful call to provider.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.getProviderState(provider)
	switch ps.state {
	case StateClosed:
		ps.consecutiveFailures = 0
	case StateHalfOpen:
		ps.consecutiveSuccesses++
		if ps.consecutiveSuccesses >= cb.cfg.HalfOpenSuccessThreshold {
			ps.state = StateClosed
			ps.consecutiveFailures = 0
			ps.consecutiveSuccesses = 0
		}
	}
}

// GetProviderStatus returns the state and consecutive failure count without
// triggering the Open to HalfOpen transition.
func (cb *CircuitBreaker) GetProviderStatus(provider string) (State, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	ps, exists := cb.providers[provider]
	if !exists {
		return StateClosed, 0
	}
	return ps.state, ps.consecutiveFailures
}
