package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/suremq/suremq-go/contracts"
	"github.com/suremq/suremq-go/internal/store"
)

// DeliveryTracker correlates publish acknowledgments with stored records
// and suppresses duplicate inbound messages. The dedup set is a bounded
// TTL cache, so it is safe to keep on regardless of the delivery level in
// use.
type DeliveryTracker struct {
	store  store.MessageStore
	seenMu sync.Mutex
	seen   *expirable.LRU[string, time.Time]
	logger *slog.Logger
}

// DeliveryTrackerOptions configures the tracker
type DeliveryTrackerOptions struct {
	// DedupTTL bounds how long an inbound message id is remembered
	DedupTTL time.Duration
	// DedupSize bounds how many inbound message ids are remembered
	DedupSize int
	Logger    *slog.Logger
}

// NewDeliveryTracker creates a tracker over the given store
func NewDeliveryTracker(messageStore store.MessageStore, opts *DeliveryTrackerOptions) *DeliveryTracker {
	if opts == nil {
		opts = &DeliveryTrackerOptions{}
	}
	if opts.DedupTTL == 0 {
		opts.DedupTTL = 10 * time.Minute
	}
	if opts.DedupSize == 0 {
		opts.DedupSize = 8192
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &DeliveryTracker{
		store:  messageStore,
		seen:   expirable.NewLRU[string, time.Time](opts.DedupSize, nil, opts.DedupTTL),
		logger: opts.Logger,
	}
}

// OnAcknowledgment marks the matching outbound record acknowledged.
// Unknown ids are logged and ignored; the ack may refer to a record that
// already expired or was purged locally.
func (t *DeliveryTracker) OnAcknowledgment(ctx context.Context, id string) {
	if _, err := t.store.Get(ctx, id); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			t.logger.Debug("acknowledgment for unknown record ignored", "id", id)
			return
		}
		t.logger.Error("acknowledgment lookup failed", "id", id, "error", err)
		return
	}

	if err := t.store.MarkAcknowledged(ctx, id); err != nil {
		t.logger.Error("failed to mark record acknowledged", "id", id, "error", err)
		return
	}
	t.logger.Debug("delivery acknowledged", "id", id)
}

// OnInboundMessage records the message id and reports whether the
// message is a retransmission of one already seen within the dedup TTL.
// Callers suppress application delivery when true. A repeated id alone
// is not proof of redelivery, since transports recycle delivery ids;
// suppression also requires the Duplicate flag. Messages without an id
// cannot be deduplicated and are always delivered.
func (t *DeliveryTracker) OnInboundMessage(msg contracts.Message) bool {
	if msg.ID == "" {
		return false
	}

	t.seenMu.Lock()
	defer t.seenMu.Unlock()

	if msg.Duplicate {
		if _, seen := t.seen.Get(msg.ID); seen {
			t.logger.Debug("duplicate inbound message suppressed",
				"id", msg.ID, "topic", msg.Topic)
			return true
		}
	}

	t.seen.Add(msg.ID, msg.ReceivedAt)
	return false
}

// SeenCount returns the current size of the dedup set
func (t *DeliveryTracker) SeenCount() int {
	return t.seen.Len()
}
