package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/suremq/suremq-go/contracts"
)

// MessageState is the lifecycle state of an outbound record
type MessageState string

const (
	// StatePending means the record is persisted and awaiting publish
	StatePending MessageState = "pending"
	// StateSent means the record was handed to the transport and awaits
	// acknowledgment
	StateSent MessageState = "sent"
	// StateAcknowledged means the broker confirmed delivery; terminal
	StateAcknowledged MessageState = "acknowledged"
	// StateFailed means retries are exhausted or the send failed; terminal
	// unless IncrementRetry grants another attempt
	StateFailed MessageState = "failed"
	// StateExpired means the record outlived its TTL unacknowledged; terminal
	StateExpired MessageState = "expired"
)

// Terminal reports whether no further delivery attempt may happen from
// this state. Failed records with remaining retries are resurrected by
// IncrementRetry, so Failed alone is not terminal.
func (s MessageState) Terminal() bool {
	return s == StateAcknowledged || s == StateExpired
}

// Record is a durable outbound message awaiting delivery confirmation.
// Fields are mutated only by the owning MessageStore.
type Record struct {
	ID            string
	Topic         string
	Payload       []byte
	DeliveryLevel contracts.DeliveryLevel
	Retain        bool
	State         MessageState
	Reason        string
	CreatedAt     time.Time
	ExpiresAt     time.Time // zero means no expiry
	RetryCount    int
	MaxRetries    int
}

// NewRecord builds a Pending record from an outbound message.
func NewRecord(out contracts.Outbound, maxRetries int, now time.Time) *Record {
	r := &Record{
		ID:            uuid.New().String(),
		Topic:         out.Topic,
		Payload:       out.Payload,
		DeliveryLevel: out.DeliveryLevel,
		Retain:        out.Retain,
		State:         StatePending,
		CreatedAt:     now,
		MaxRetries:    maxRetries,
	}
	if out.TTL > 0 {
		r.ExpiresAt = now.Add(out.TTL)
	}
	return r
}

// ExpiredAt reports whether the record's TTL has elapsed at the given time.
func (r *Record) ExpiredAt(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// clone returns a copy so callers cannot mutate stored state.
func (r *Record) clone() *Record {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	return &c
}
