package core

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows limited requests for testing recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
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

// ErrCircuitOpen is returned by Execute when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// SleepWindow is how long to wait before entering half-open state.
	SleepWindow time.Duration

	// HalfOpenRequests is the number of test requests allowed in half-open
	// state before the circuit decides to close or re-open.
	HalfOpenRequests int
}

// DefaultCircuitBreakerConfig returns production-ready defaults for
// protecting a chat transport.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 3,
	}
}

// CircuitBreaker protects a downstream dependency from sustained failure.
// Warden wraps the injected chat transport with one so a dead transport
// fails outbox sends fast instead of stalling every worker iteration.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu            sync.Mutex
	state         CircuitState
	failures      int
	halfOpenUsed  int
	halfOpenOK    int
	openedAt      time.Time
	stateChanges  int
	totalRequests int
	now           func() time.Time
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SleepWindow <= 0 {
		config.SleepWindow = 30 * time.Second
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = 3
	}
	return &CircuitBreaker{config: config, state: StateClosed, now: time.Now}
}

// Execute runs fn under circuit breaker protection. If the circuit is open
// it returns ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.beginRequest() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err == nil)
	return err
}

// CanExecute reports whether a request would currently be allowed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.allowLocked()
}

// GetState returns the current state as a string.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state.String()
}

// GetMetrics returns counters for observability snapshots.
func (cb *CircuitBreaker) GetMetrics() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"name":           cb.config.Name,
		"state":          cb.state.String(),
		"failures":       cb.failures,
		"state_changes":  cb.stateChanges,
		"total_requests": cb.totalRequests,
	}
}

// Reset returns the breaker to closed and clears failure counts.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.failures = 0
}

func (cb *CircuitBreaker) beginRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.allowLocked() {
		return false
	}
	cb.totalRequests++
	if cb.state == StateHalfOpen {
		cb.halfOpenUsed++
	}
	return true
}

func (cb *CircuitBreaker) allowLocked() bool {
	cb.maybeHalfOpenLocked()
	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return cb.halfOpenUsed < cb.config.HalfOpenRequests
	default:
		return false
	}
}

func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.SleepWindow {
		cb.transitionLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		if cb.state == StateHalfOpen {
			cb.halfOpenOK++
			if cb.halfOpenOK >= cb.config.HalfOpenRequests {
				cb.transitionLocked(StateClosed)
			}
			return
		}
		cb.failures = 0
		return
	}

	if cb.state == StateHalfOpen {
		cb.transitionLocked(StateOpen)
		return
	}
	cb.failures++
	if cb.failures >= cb.config.FailureThreshold {
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	if cb.state == to {
		return
	}
	cb.state = to
	cb.stateChanges++
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateHalfOpen, StateClosed:
		cb.halfOpenUsed = 0
		cb.halfOpenOK = 0
		cb.failures = 0
	}
}
