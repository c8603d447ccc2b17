// Package reliability provides the failure-handling primitives used by the
// suremq client.
//
// This package implements two patterns:
//   - Retry policies: configurable backoff strategies plus a stateful
//     schedule that tracks attempts across a reconnect cycle
//   - Circuit breaker: short-circuits an operation family after repeated
//     failures until a recovery timeout elapses
//
// Both are thread-safe and carry no I/O of their own; the connection
// supervisor composes them around transport operations.
//
// Example usage:
//
//	schedule := NewRetrySchedule(NewExponentialBackoff(1*time.Second, 30*time.Second, 2.0, 5))
//	delay, err := schedule.Next()
//	if errors.Is(err, ErrRetriesExhausted) {
//	    // give up and surface a faulted state
//	}
package reliability
