package client

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

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
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker is safe for concurrent use. After maxFailures consecutive
// failures it opens for cooldown, then admits a single probe.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
	probing     bool
	now         func() time.Time
}

func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Allow reports whether a request may proceed. In half-open state only
// one probe is admitted at a time.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return true
	default:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
}

// Success records a successful operation.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
	cb.setState(StateClosed)
}

// Failure records a failed operation.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.probing = false
	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		cb.openedAt = cb.now()
		cb.setState(StateOpen)
	}
}

// Do runs fn when the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if !cb.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		cb.Failure()
		return err
	}
	cb.Success()
	return nil
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	breakerState.Set(float64(s))
}
