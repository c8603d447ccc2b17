package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen  = errors.New("circuit breaker: circuit is open")
	ErrUnknownState = errors.New("circuit breaker: unknown state")

	// Retry errors
	ErrRetriesExhausted = errors.New("retry: maximum attempts exceeded")
	ErrNonRetryable     = errors.New("retry: error is not retryable")

	errAsyncFailure = errors.New("circuit breaker: asynchronous operation failed")
)

// CircuitBreakerError represents a short-circuited operation with context
type CircuitBreakerError struct {
	State            State
	Op               string
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Second)
		return fmt.Sprintf("circuit breaker open: %s blocked (failures=%d/%d, retry in %v)",
			e.Op, e.Failures, e.FailureThreshold, retryIn)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker half-open: %s blocked while trial in flight", e.Op)
	default:
		return fmt.Sprintf("circuit breaker error: %s in state %v", e.Op, e.State)
	}
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryError represents a retry operation that ran out of attempts
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
