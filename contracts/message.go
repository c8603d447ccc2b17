package contracts

import (
	"fmt"
	"time"
)

// DeliveryLevel is the delivery guarantee requested for a message.
type DeliveryLevel byte

const (
	// AtMostOnce delivers the message zero or one time with no confirmation.
	AtMostOnce DeliveryLevel = iota
	// AtLeastOnce delivers the message one or more times; the broker
	// confirms receipt and duplicates are possible.
	AtLeastOnce
	// ExactlyOnce delivers the message exactly once using the protocol's
	// two-phase confirmation.
	ExactlyOnce
)

func (l DeliveryLevel) String() string {
	switch l {
	case AtMostOnce:
		return "at-most-once"
	case AtLeastOnce:
		return "at-least-once"
	case ExactlyOnce:
		return "exactly-once"
	default:
		return fmt.Sprintf("delivery-level(%d)", byte(l))
	}
}

// Valid reports whether the level is one of the three protocol levels.
func (l DeliveryLevel) Valid() bool {
	return l <= ExactlyOnce
}

// Message is an inbound application message as delivered by the transport.
type Message struct {
	ID            string
	Topic         string
	Payload       []byte
	DeliveryLevel DeliveryLevel
	Retained      bool
	// Duplicate is set when the broker flags the delivery as a
	// retransmission of one it already attempted
	Duplicate  bool
	ReceivedAt time.Time
}

// Outbound describes a message handed to Send before it becomes a stored
// record. TTL of zero means the message never expires.
type Outbound struct {
	Topic         string
	Payload       []byte
	DeliveryLevel DeliveryLevel
	Retain        bool
	TTL           time.Duration
}

// Validate checks the outbound message for fields the broker would reject.
func (o Outbound) Validate() error {
	if o.Topic == "" {
		return fmt.Errorf("outbound message: topic is required")
	}
	if !o.DeliveryLevel.Valid() {
		return fmt.Errorf("outbound message: invalid delivery level %d", o.DeliveryLevel)
	}
	if o.TTL < 0 {
		return fmt.Errorf("outbound message: ttl must not be negative")
	}
	return nil
}
