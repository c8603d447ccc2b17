package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy computes retry delays. Implementations are immutable; attempt
// tracking lives in RetrySchedule.
type RetryPolicy interface {
	// NextDelay calculates the delay before the given attempt (0-based)
	NextDelay(attempt int) time.Duration
	// MaxAttempts returns the maximum number of attempts, or a negative
	// value for unbounded retrying
	MaxAttempts() int
}

// ExponentialBackoff implements exponential backoff with optional jitter.
// When jitter is enabled the computed delay is scaled by a uniform random
// factor in [0.5, 1.0] so that many clients losing the same broker do not
// reconnect in lockstep.
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Attempts   int
	Jitter     bool
}

// NewExponentialBackoff creates an exponential backoff policy with jitter enabled.
func NewExponentialBackoff(base, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:  base,
		MaxDelay:   max,
		Multiplier: multiplier,
		Attempts:   maxAttempts,
		Jitter:     true,
	}
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.BaseDelay) * math.Pow(e.Multiplier, float64(attempt))

	// Cap before jitter so the cap is a hard upper bound
	if delay > float64(e.MaxDelay) {
		delay = float64(e.MaxDelay)
	}

	if e.Jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}

	return time.Duration(delay)
}

// MaxAttempts implements RetryPolicy
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// FixedDelay implements a constant-delay retry policy.
type FixedDelay struct {
	Delay    time.Duration
	Attempts int
}

// NewFixedDelay creates a fixed delay policy.
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, Attempts: maxAttempts}
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// MaxAttempts implements RetryPolicy
func (f *FixedDelay) MaxAttempts() int {
	return f.Attempts
}

// RetrySchedule tracks attempts against a policy across one retry cycle.
// A schedule belongs to exactly one supervisor; Reset must be called once
// per successful connection.
type RetrySchedule struct {
	mu      sync.Mutex
	policy  RetryPolicy
	attempt int
}

// NewRetrySchedule creates a schedule over the given policy.
func NewRetrySchedule(policy RetryPolicy) *RetrySchedule {
	return &RetrySchedule{policy: policy}
}

// Next returns the delay to wait before the next attempt and advances the
// attempt counter. Returns ErrRetriesExhausted once the policy's attempt
// budget is spent.
func (s *RetrySchedule) Next() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if max := s.policy.MaxAttempts(); max >= 0 && s.attempt >= max {
		return 0, ErrRetriesExhausted
	}

	delay := s.policy.NextDelay(s.attempt)
	s.attempt++
	return delay, nil
}

// Attempts returns the number of attempts consumed in the current cycle.
func (s *RetrySchedule) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Reset clears the attempt counter for a new cycle.
func (s *RetrySchedule) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
}

// Retry executes fn until it succeeds, the policy is exhausted, or the
// context is cancelled. Used for one-shot retryable operations such as
// subscribing after a reconnect.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	schedule := NewRetrySchedule(policy)
	var lastErr error

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNonRetryable) {
			return err
		}
		lastErr = err

		delay, serr := schedule.Next()
		if serr != nil {
			return &RetryError{
				Attempts:    schedule.Attempts(),
				MaxAttempts: policy.MaxAttempts(),
				LastError:   lastErr,
			}
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
