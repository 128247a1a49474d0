package resilience

import (
	"sync"
	"time"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/clock"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
	"github.com/NikhilSetiya/cohort-sentinel/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - recovery timeout elapsed, probe requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold uint32
	// RecoveryTimeout is how long the circuit stays open after the last failure
	RecoveryTimeout time.Duration
	// HalfOpenMaxRequests bounds concurrent probes while half-open
	HalfOpenMaxRequests uint32
	// Clock defaults to the real clock
	Clock clock.Clock
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
}

// CircuitBreaker is a state machine to prevent sending requests that are likely to fail
type CircuitBreaker struct {
	name             string
	failureThreshold uint32
	recoveryTimeout  time.Duration
	halfOpenMax      uint32
	clock            clock.Clock
	onStateChange    func(name string, from CircuitState, to CircuitState)

	mutex           sync.Mutex
	state           CircuitState
	generation      uint64
	failureCount    uint32
	lastFailureTime time.Time
	probes          uint32

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		recoveryTimeout:  config.RecoveryTimeout,
		halfOpenMax:      config.HalfOpenMaxRequests,
		clock:            config.Clock,
		onStateChange:    config.OnStateChange,
		logger:           logging.GetLogger(),
	}

	if cb.failureThreshold == 0 {
		cb.failureThreshold = 5
	}
	if cb.halfOpenMax == 0 {
		cb.halfOpenMax = 1
	}
	if cb.clock == nil {
		cb.clock = clock.Real()
	}

	return cb
}

// Ticket is handed out by Allow and must be settled with exactly one of
// Success, Failure or Release.
type Ticket struct {
	generation uint64
	state      CircuitState
}

// Allow admits a request or fails fast with a circuit_open error
func (cb *CircuitBreaker) Allow() (Ticket, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state := cb.currentState(cb.clock.Now())
	switch state {
	case StateOpen:
		return Ticket{}, errors.NewCircuitOpenError(cb.name)
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			return Ticket{}, errors.NewCircuitOpenError(cb.name).
				WithDetail("state", state.String())
		}
		cb.probes++
	}

	return Ticket{generation: cb.generation, state: state}, nil
}

// Success closes the circuit and zeroes the failure count
func (cb *CircuitBreaker) Success(t Ticket) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if t.generation != cb.generation {
		return
	}

	cb.failureCount = 0
	cb.setState(StateClosed, cb.clock.Now())
}

// Failure records a failed request; it opens the circuit at the threshold or
// immediately when the request was a half-open probe
func (cb *CircuitBreaker) Failure(t Ticket) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if t.generation != cb.generation {
		return
	}

	now := cb.clock.Now()
	cb.failureCount++
	cb.lastFailureTime = now

	if cb.state == StateHalfOpen || cb.failureCount >= cb.failureThreshold {
		cb.setState(StateOpen, now)
	}
}

// Release settles a ticket without judging the destination's health
func (cb *CircuitBreaker) Release(t Ticket) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if t.generation == cb.generation && t.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.currentState(cb.clock.Now())
}

// FailureCount returns the consecutive failure count
func (cb *CircuitBreaker) FailureCount() uint32 {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.failureCount
}

// LastFailureTime returns when the most recent failure was recorded
func (cb *CircuitBreaker) LastFailureTime() time.Time {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.lastFailureTime
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) currentState(now time.Time) CircuitState {
	if cb.state == StateOpen && now.Sub(cb.lastFailureTime) > cb.recoveryTimeout {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.generation++
	cb.probes = 0

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", state.String(),
		"failure_count", cb.failureCount,
		"at", now,
	)
}
