// Package contracts provides the core value types shared across the suremq client.
//
// This package defines the vocabulary of the resilient messaging core:
//   - DeliveryLevel: the broker-negotiated delivery guarantee for a message
//   - Message: an inbound application message delivered by the transport
//   - Outbound: the immutable description of a message handed to Send
//
// Types here carry no behavior beyond validation and formatting so that
// every layer (store, transport adapter, client) can depend on them
// without import cycles.
package contracts
