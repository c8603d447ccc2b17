// Package store provides the durable outbound message store used by the
// suremq client.
//
// The store is the single source of truth for outbound message state. A
// record is persisted as Pending before Send returns (write-ahead
// discipline), moves through Sent to Acknowledged on confirmation, and
// falls to Failed or Expired when retries or its TTL run out. Only the
// store's own methods mutate a record.
//
// Two implementations are provided:
//   - SQLiteStore: durable, survives process restart
//   - MemoryStore: volatile, for tests and fire-and-forget deployments
package store
