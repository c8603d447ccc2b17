package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State represents the circuit breaker state
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

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(from, to State, reason string)
}

// CircuitBreaker tracks consecutive failures of an operation family and
// short-circuits further attempts while open. After the recovery timeout
// elapses exactly one trial invocation is allowed; its outcome decides
// whether the breaker closes again or re-opens.
type CircuitBreaker struct {
	mu              sync.RWMutex
	state           State
	failures        int
	lastFailureTime time.Time
	trialInFlight   bool
	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64

	failureThreshold int
	recoveryTimeout  time.Duration
	name             string
	clk              clock.Clock

	listeners []StateChangeListener
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive-failure threshold
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithRecoveryTimeout sets the cool-down before a trial attempt is allowed
func WithRecoveryTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.recoveryTimeout = timeout
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithClock sets the clock used for cool-down timing
func WithClock(clk clock.Clock) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.clk = clk
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		recoveryTimeout:  30 * time.Second,
		name:             "default",
		clk:              clock.New(),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs a function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	cb.mu.Lock()
	cb.totalRequests++
	cb.mu.Unlock()

	if err := cb.canExecute(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		cb.releaseTrial()
		return ctx.Err()
	default:
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset returns the breaker to closed with all counters cleared. Called on
// an explicit reconnect request after the breaker faulted.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.trialInFlight = false
}

// canExecute checks if execution is allowed
func (cb *CircuitBreaker) canExecute() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		nextRetry := cb.lastFailureTime.Add(cb.recoveryTimeout)
		if cb.clk.Now().After(nextRetry) {
			oldState := cb.state
			cb.state = StateHalfOpen
			cb.trialInFlight = true
			cb.notifyStateChange(oldState, cb.state, "recovery timeout expired")
			return nil
		}
		return &CircuitBreakerError{
			State:            cb.state,
			Op:               "execute",
			Failures:         cb.failures,
			FailureThreshold: cb.failureThreshold,
			LastFailure:      cb.lastFailureTime,
			NextRetry:        nextRetry,
		}

	case StateHalfOpen:
		// Only the single trial request may proceed
		if cb.trialInFlight {
			return &CircuitBreakerError{
				State:            cb.state,
				Op:               "execute",
				Failures:         cb.failures,
				FailureThreshold: cb.failureThreshold,
				LastFailure:      cb.lastFailureTime,
				NextRetry:        cb.clk.Now().Add(time.Second),
			}
		}
		cb.trialInFlight = true
		return nil

	default:
		return ErrUnknownState
	}
}

// releaseTrial undoes a trial reservation that never executed
func (cb *CircuitBreaker) releaseTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

// recordResult records the result of an execution
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.totalFailures++
		cb.lastFailureTime = cb.clk.Now()
		oldState := cb.state

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
				cb.notifyStateChange(oldState, cb.state,
					fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}

		case StateHalfOpen:
			// The trial failed, back to open
			cb.state = StateOpen
			cb.trialInFlight = false
			cb.notifyStateChange(oldState, cb.state, "trial request failed")
		}

	} else {
		cb.totalSuccesses++
		oldState := cb.state

		switch cb.state {
		case StateHalfOpen:
			cb.state = StateClosed
			cb.failures = 0
			cb.trialInFlight = false
			cb.notifyStateChange(oldState, cb.state, "trial request succeeded")

		case StateClosed:
			if cb.failures > 0 {
				cb.failures = 0
			}
		}
	}
}

// RecordSuccess records an out-of-band success, used when the protected
// operation completes asynchronously (a transport connect confirmed by a
// later event rather than the dial call returning).
func (cb *CircuitBreaker) RecordSuccess() {
	cb.recordResult(nil)
}

// RecordFailure records an out-of-band failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.recordResult(errAsyncFailure)
}

// AddListener adds a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// notifyStateChange notifies all listeners of state change. Callers hold
// the lock; listeners run in goroutines so they cannot deadlock against it.
func (cb *CircuitBreaker) notifyStateChange(from, to State, reason string) {
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)

	for _, listener := range listeners {
		go listener.OnStateChange(from, to, reason)
	}
}

// GetMetrics returns circuit breaker metrics
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerMetrics{
		Name:            cb.name,
		State:           cb.state,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		CurrentFailures: cb.failures,
		LastFailureTime: cb.lastFailureTime,
		Timestamp:       cb.clk.Now(),
	}
}

// CircuitBreakerMetrics represents circuit breaker metrics
type CircuitBreakerMetrics struct {
	Name            string
	State           State
	TotalRequests   int64
	TotalFailures   int64
	TotalSuccesses  int64
	CurrentFailures int
	LastFailureTime time.Time
	Timestamp       time.Time
}
