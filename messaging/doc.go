// Package messaging provides the client-side orchestration layer of suremq:
// the connection supervisor, the delivery tracker and the transport
// abstraction they are built over.
//
// The supervisor owns the connection state machine. All transitions run on
// a single goroutine fed by an event channel, so state reads are never
// torn and transport callbacks need no reentrancy guarantees. Reconnection
// is driven by a retry schedule (exponential backoff with jitter) wrapped
// in a circuit breaker; when the schedule is exhausted the supervisor
// parks in Faulted until an explicit Connect call resets both.
//
// The delivery tracker correlates publish acknowledgments with stored
// records and suppresses duplicate inbound messages within a TTL window.
package messaging
