package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suremq/suremq-go/contracts"
	"github.com/suremq/suremq-go/internal/store"
)

func TestDeliveryTrackerAcknowledgments(t *testing.T) {
	ctx := context.Background()

	t.Run("marks known records acknowledged", func(t *testing.T) {
		s := store.NewMemoryStore()
		tracker := NewDeliveryTracker(s, nil)

		rec, err := s.Enqueue(ctx, contracts.Outbound{
			Topic:         "sensors/temp",
			Payload:       []byte("21.5"),
			DeliveryLevel: contracts.AtLeastOnce,
		}, 3)
		require.NoError(t, err)
		require.NoError(t, s.MarkSent(ctx, rec.ID))

		tracker.OnAcknowledgment(ctx, rec.ID)

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StateAcknowledged, got.State)
	})

	t.Run("ignores acknowledgments for unknown ids", func(t *testing.T) {
		s := store.NewMemoryStore()
		tracker := NewDeliveryTracker(s, nil)

		// Must not panic or create a record
		tracker.OnAcknowledgment(ctx, "never-sent")

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, st.Acknowledged)
	})

	t.Run("repeated acknowledgments are harmless", func(t *testing.T) {
		s := store.NewMemoryStore()
		tracker := NewDeliveryTracker(s, nil)

		rec, _ := s.Enqueue(ctx, contracts.Outbound{
			Topic:         "a",
			Payload:       []byte("x"),
			DeliveryLevel: contracts.AtLeastOnce,
		}, 0)
		require.NoError(t, s.MarkSent(ctx, rec.ID))

		tracker.OnAcknowledgment(ctx, rec.ID)
		tracker.OnAcknowledgment(ctx, rec.ID)

		got, _ := s.Get(ctx, rec.ID)
		assert.Equal(t, store.StateAcknowledged, got.State)
	})
}

func TestDeliveryTrackerDedup(t *testing.T) {
	msg := func(id string) contracts.Message {
		return contracts.Message{
			ID:         id,
			Topic:      "sensors/temp",
			Payload:    []byte("21.5"),
			ReceivedAt: time.Now(),
		}
	}
	redelivery := func(id string) contracts.Message {
		m := msg(id)
		m.Duplicate = true
		return m
	}

	t.Run("first delivery passes, flagged redelivery is suppressed", func(t *testing.T) {
		tracker := NewDeliveryTracker(store.NewMemoryStore(), nil)

		assert.False(t, tracker.OnInboundMessage(msg("m-1")))
		assert.True(t, tracker.OnInboundMessage(redelivery("m-1")))
		assert.Equal(t, 1, tracker.SeenCount())
	})

	t.Run("repeated id without the duplicate flag is delivered", func(t *testing.T) {
		// Brokers recycle packet ids once the previous delivery settles,
		// so a repeated id on its own is a new message
		tracker := NewDeliveryTracker(store.NewMemoryStore(), nil)

		assert.False(t, tracker.OnInboundMessage(msg("m-1")))
		assert.False(t, tracker.OnInboundMessage(msg("m-1")))
	})

	t.Run("flagged redelivery of an unseen id is delivered", func(t *testing.T) {
		tracker := NewDeliveryTracker(store.NewMemoryStore(), nil)

		assert.False(t, tracker.OnInboundMessage(redelivery("m-1")))
	})

	t.Run("distinct ids are independent", func(t *testing.T) {
		tracker := NewDeliveryTracker(store.NewMemoryStore(), nil)

		assert.False(t, tracker.OnInboundMessage(msg("m-1")))
		assert.False(t, tracker.OnInboundMessage(msg("m-2")))
		assert.Equal(t, 2, tracker.SeenCount())
	})

	t.Run("messages without an id are never suppressed", func(t *testing.T) {
		tracker := NewDeliveryTracker(store.NewMemoryStore(), nil)

		assert.False(t, tracker.OnInboundMessage(msg("")))
		assert.False(t, tracker.OnInboundMessage(msg("")))
		assert.Zero(t, tracker.SeenCount())
	})

	t.Run("ids age out after the dedup ttl", func(t *testing.T) {
		tracker := NewDeliveryTracker(store.NewMemoryStore(), &DeliveryTrackerOptions{
			DedupTTL:  50 * time.Millisecond,
			DedupSize: 16,
		})

		require.False(t, tracker.OnInboundMessage(msg("m-1")))
		require.True(t, tracker.OnInboundMessage(redelivery("m-1")))

		assert.Eventually(t, func() bool {
			return !tracker.OnInboundMessage(redelivery("m-1"))
		}, 2*time.Second, 25*time.Millisecond)
	})

	t.Run("dedup set is bounded", func(t *testing.T) {
		tracker := NewDeliveryTracker(store.NewMemoryStore(), &DeliveryTrackerOptions{
			DedupTTL:  time.Minute,
			DedupSize: 4,
		})

		for i := 0; i < 10; i++ {
			tracker.OnInboundMessage(msg(string(rune('a' + i))))
		}
		assert.LessOrEqual(t, tracker.SeenCount(), 4)
	})
}
