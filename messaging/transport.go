package messaging

import (
	"context"
	"errors"

	"github.com/suremq/suremq-go/contracts"
)

var (
	// ErrNotConnected is returned when an operation needs a live session
	ErrNotConnected = errors.New("messaging: not connected")
	// ErrTransportClosed is returned after the transport was closed
	ErrTransportClosed = errors.New("messaging: transport is closed")
)

// Transport is the lower-level broker client the resilient core drives.
// Wire encoding, TLS and topic authorization live behind this interface.
// Implementations must not reconnect on their own; the supervisor owns
// the reconnection loop.
type Transport interface {
	// Connect establishes the broker session
	Connect(ctx context.Context) error

	// Disconnect gracefully ends the session
	Disconnect(ctx context.Context) error

	// Publish sends a message. The id is the publish handle echoed back
	// through TransportEvents.OnPublishAcknowledged once the broker
	// confirms delivery (for levels that confirm)
	Publish(ctx context.Context, id string, topic string, payload []byte, level contracts.DeliveryLevel, retain bool) error

	// Subscribe registers a topic-pattern subscription with the broker
	Subscribe(ctx context.Context, pattern string, level contracts.DeliveryLevel) error

	// SetEvents registers the event sink. Must be called before Connect
	SetEvents(events TransportEvents)

	// Close releases transport resources
	Close() error
}

// TransportEvents receives transport callbacks. Implementations must not
// block; heavy work is handed off to the owning goroutines.
type TransportEvents interface {
	// OnConnected fires when the session is established
	OnConnected()

	// OnConnectionLost fires when an established session drops unexpectedly
	OnConnectionLost(reason error)

	// OnMessage fires for each inbound message
	OnMessage(msg contracts.Message)

	// OnPublishAcknowledged fires when the broker confirms a publish,
	// carrying the id passed to Publish
	OnPublishAcknowledged(id string)
}

// NopEvents is a TransportEvents implementation that discards everything.
// Embedded by tests that care about a subset of events.
type NopEvents struct{}

func (NopEvents) OnConnected() {}

func (NopEvents) OnConnectionLost(error) {}

func (NopEvents) OnMessage(contracts.Message) {}

func (NopEvents) OnPublishAcknowledged(string) {}
