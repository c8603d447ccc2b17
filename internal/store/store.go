package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/suremq/suremq-go/contracts"
)

var (
	// ErrRecordNotFound is returned when a record id is unknown
	ErrRecordNotFound = errors.New("store: record not found")
	// ErrInvalidTransition is returned when a state change would violate
	// the record lifecycle
	ErrInvalidTransition = errors.New("store: invalid state transition")
	// ErrStoreClosed is returned after Close
	ErrStoreClosed = errors.New("store: store is closed")
)

// StoreError wraps a storage-layer failure with operation context
type StoreError struct {
	Op       string
	RecordID string
	Err      error
}

func (e *StoreError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("store: %s failed for record %s: %v", e.Op, e.RecordID, e.Err)
	}
	return fmt.Sprintf("store: %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Stats is a point-in-time snapshot of record counts by state
type Stats struct {
	Pending      int
	Sent         int
	Acknowledged int
	Failed       int
	Expired      int
}

// MessageStore persists outbound messages until delivery is confirmed.
// Implementations must be safe for concurrent use; persistence failures
// are surfaced to the caller, never swallowed.
type MessageStore interface {
	// Enqueue durably persists a new Pending record before returning
	Enqueue(ctx context.Context, out contracts.Outbound, maxRetries int) (*Record, error)

	// DrainPending returns deliverable records in CreatedAt order:
	// Pending records plus Failed records with retries remaining,
	// excluding anything past its expiry
	DrainPending(ctx context.Context, limit int) ([]*Record, error)

	// MarkSent transitions a Pending record to Sent
	MarkSent(ctx context.Context, id string) error

	// MarkAcknowledged transitions a record to Acknowledged. Unknown or
	// already-acknowledged ids are a no-op
	MarkAcknowledged(ctx context.Context, id string) error

	// MarkFailed records a delivery failure with its reason
	MarkFailed(ctx context.Context, id string, reason string) error

	// IncrementRetry consumes one retry and returns the record to
	// Pending. Returns false, forcing Failed terminal state, once the
	// retry budget is spent
	IncrementRetry(ctx context.Context, id string) (bool, error)

	// RequeueSent returns every Sent record to Pending, reporting how
	// many moved. Called when a connection is (re)established: the
	// acknowledgments for in-flight publishes died with the previous
	// session, so the records must be republished rather than stranded
	// in Sent. Re-delivery duplicates are acceptable
	RequeueSent(ctx context.Context) (int, error)

	// SweepExpired flags unacknowledged records past their expiry as
	// Expired and returns them so the caller can report them undeliverable
	SweepExpired(ctx context.Context, now time.Time) ([]*Record, error)

	// PurgeTerminal deletes Acknowledged, Failed and Expired records
	// older than the retention window, returning the count removed
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error)

	// Get returns a copy of the record, or ErrRecordNotFound
	Get(ctx context.Context, id string) (*Record, error)

	// Stats returns record counts by state
	Stats(ctx context.Context) (Stats, error)

	// Close releases storage resources
	Close() error
}
