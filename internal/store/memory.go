package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/suremq/suremq-go/contracts"
)

// MemoryStore is an in-memory MessageStore. Records do not survive a
// process restart; use SQLiteStore when durability matters.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string // ids in enqueue order
	clk     clock.Clock
	closed  bool
}

// MemoryStoreOption configures the memory store
type MemoryStoreOption func(*MemoryStore)

// WithMemoryClock sets the clock used for record timestamps
func WithMemoryClock(clk clock.Clock) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.clk = clk
	}
}

// NewMemoryStore creates a new in-memory message store
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*Record),
		clk:     clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue implements MessageStore
func (s *MemoryStore) Enqueue(ctx context.Context, out contracts.Outbound, maxRetries int) (*Record, error) {
	if err := out.Validate(); err != nil {
		return nil, &StoreError{Op: "enqueue", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &StoreError{Op: "enqueue", Err: ErrStoreClosed}
	}

	rec := NewRecord(out, maxRetries, s.clk.Now())
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return rec.clone(), nil
}

// DrainPending implements MessageStore
func (s *MemoryStore) DrainPending(ctx context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, &StoreError{Op: "drain", Err: ErrStoreClosed}
	}

	now := s.clk.Now()
	var out []*Record
	for _, id := range s.order {
		rec := s.records[id]
		if rec == nil || !drainable(rec, now) {
			continue
		}
		out = append(out, rec.clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	// Enqueue order already matches CreatedAt order; keep the sort as a
	// guard for records created with a mock clock running backwards
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// drainable reports whether a record may be (re)published now
func drainable(rec *Record, now time.Time) bool {
	if rec.ExpiredAt(now) {
		return false
	}
	switch rec.State {
	case StatePending:
		return true
	case StateFailed:
		return rec.RetryCount < rec.MaxRetries
	default:
		return false
	}
}

// MarkSent implements MessageStore
func (s *MemoryStore) MarkSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return &StoreError{Op: "mark-sent", RecordID: id, Err: ErrRecordNotFound}
	}
	if rec.State != StatePending {
		return &StoreError{Op: "mark-sent", RecordID: id, Err: ErrInvalidTransition}
	}
	rec.State = StateSent
	return nil
}

// MarkAcknowledged implements MessageStore
func (s *MemoryStore) MarkAcknowledged(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		// Acks may arrive after local expiry or purge
		return nil
	}
	if rec.State == StateAcknowledged {
		return nil
	}
	if rec.State == StateExpired {
		return nil
	}
	rec.State = StateAcknowledged
	rec.Reason = ""
	return nil
}

// MarkFailed implements MessageStore
func (s *MemoryStore) MarkFailed(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return &StoreError{Op: "mark-failed", RecordID: id, Err: ErrRecordNotFound}
	}
	if rec.State.Terminal() {
		return &StoreError{Op: "mark-failed", RecordID: id, Err: ErrInvalidTransition}
	}
	rec.State = StateFailed
	rec.Reason = reason
	return nil
}

// IncrementRetry implements MessageStore
func (s *MemoryStore) IncrementRetry(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, &StoreError{Op: "increment-retry", RecordID: id, Err: ErrRecordNotFound}
	}
	if rec.State.Terminal() || rec.State == StateSent {
		// Sent records settle via ack or expiry, never back to Pending
		return false, &StoreError{Op: "increment-retry", RecordID: id, Err: ErrInvalidTransition}
	}
	if rec.RetryCount >= rec.MaxRetries {
		rec.State = StateFailed
		if rec.Reason == "" {
			rec.Reason = "retry limit reached"
		}
		return false, nil
	}
	rec.RetryCount++
	rec.State = StatePending
	return true, nil
}

// RequeueSent implements MessageStore
func (s *MemoryStore) RequeueSent(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, &StoreError{Op: "requeue-sent", Err: ErrStoreClosed}
	}

	moved := 0
	for _, rec := range s.records {
		if rec.State == StateSent {
			rec.State = StatePending
			moved++
		}
	}
	return moved, nil
}

// SweepExpired implements MessageStore
func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &StoreError{Op: "sweep", Err: ErrStoreClosed}
	}

	var expired []*Record
	for _, rec := range s.records {
		if rec.State == StateAcknowledged || rec.State == StateExpired {
			continue
		}
		if rec.ExpiredAt(now) {
			rec.State = StateExpired
			rec.Reason = "ttl elapsed"
			expired = append(expired, rec.clone())
		}
	}

	sort.SliceStable(expired, func(i, j int) bool {
		return expired[i].CreatedAt.Before(expired[j].CreatedAt)
	})
	return expired, nil
}

// PurgeTerminal implements MessageStore
func (s *MemoryStore) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clk.Now().Add(-olderThan)
	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		rec := s.records[id]
		if rec == nil {
			continue
		}
		terminal := rec.State == StateAcknowledged || rec.State == StateExpired ||
			(rec.State == StateFailed && rec.RetryCount >= rec.MaxRetries)
		if terminal && rec.CreatedAt.Before(cutoff) {
			delete(s.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed, nil
}

// Get implements MessageStore
func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, &StoreError{Op: "get", RecordID: id, Err: ErrRecordNotFound}
	}
	return rec.clone(), nil
}

// Stats implements MessageStore
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, rec := range s.records {
		switch rec.State {
		case StatePending:
			st.Pending++
		case StateSent:
			st.Sent++
		case StateAcknowledged:
			st.Acknowledged++
		case StateFailed:
			st.Failed++
		case StateExpired:
			st.Expired++
		}
	}
	return st, nil
}

// Close implements MessageStore
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
