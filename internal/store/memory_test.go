package store

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suremq/suremq-go/contracts"
)

func testOutbound(topic string) contracts.Outbound {
	return contracts.Outbound{
		Topic:         topic,
		Payload:       []byte(`{"value":42}`),
		DeliveryLevel: contracts.AtLeastOnce,
	}
}

func TestMemoryStoreEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("persists a pending record", func(t *testing.T) {
		s := NewMemoryStore()

		rec, err := s.Enqueue(ctx, testOutbound("sensors/temp"), 3)
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, StatePending, rec.State)
		assert.Equal(t, 3, rec.MaxRetries)
		assert.Equal(t, 0, rec.RetryCount)

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "sensors/temp", got.Topic)
	})

	t.Run("rejects invalid outbound messages", func(t *testing.T) {
		s := NewMemoryStore()

		_, err := s.Enqueue(ctx, contracts.Outbound{Topic: ""}, 3)
		assert.Error(t, err)
	})

	t.Run("sets expiry from ttl", func(t *testing.T) {
		mock := clock.NewMock()
		s := NewMemoryStore(WithMemoryClock(mock))

		out := testOutbound("a")
		out.TTL = time.Minute
		rec, err := s.Enqueue(ctx, out, 0)
		require.NoError(t, err)
		assert.Equal(t, mock.Now().Add(time.Minute), rec.ExpiresAt)
	})

	t.Run("fails after close", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Close())

		_, err := s.Enqueue(ctx, testOutbound("a"), 0)
		assert.ErrorIs(t, err, ErrStoreClosed)
	})
}

func TestMemoryStoreDrainPending(t *testing.T) {
	ctx := context.Background()

	t.Run("returns records in enqueue order", func(t *testing.T) {
		s := NewMemoryStore()
		first, _ := s.Enqueue(ctx, testOutbound("a"), 0)
		second, _ := s.Enqueue(ctx, testOutbound("b"), 0)
		third, _ := s.Enqueue(ctx, testOutbound("c"), 0)

		recs, err := s.DrainPending(ctx, 0)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, first.ID, recs[0].ID)
		assert.Equal(t, second.ID, recs[1].ID)
		assert.Equal(t, third.ID, recs[2].ID)
	})

	t.Run("honors the limit", func(t *testing.T) {
		s := NewMemoryStore()
		for i := 0; i < 5; i++ {
			s.Enqueue(ctx, testOutbound("a"), 0)
		}

		recs, err := s.DrainPending(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("includes failed records with retries remaining", func(t *testing.T) {
		s := NewMemoryStore()
		rec, _ := s.Enqueue(ctx, testOutbound("a"), 3)
		require.NoError(t, s.MarkSent(ctx, rec.ID))
		require.NoError(t, s.MarkFailed(ctx, rec.ID, "publish failed"))

		recs, err := s.DrainPending(ctx, 0)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, rec.ID, recs[0].ID)
	})

	t.Run("excludes failed records with retries exhausted", func(t *testing.T) {
		s := NewMemoryStore()
		rec, _ := s.Enqueue(ctx, testOutbound("a"), 0)
		require.NoError(t, s.MarkSent(ctx, rec.ID))
		require.NoError(t, s.MarkFailed(ctx, rec.ID, "publish failed"))

		recs, err := s.DrainPending(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("excludes sent and acknowledged records", func(t *testing.T) {
		s := NewMemoryStore()
		sent, _ := s.Enqueue(ctx, testOutbound("a"), 0)
		acked, _ := s.Enqueue(ctx, testOutbound("b"), 0)
		require.NoError(t, s.MarkSent(ctx, sent.ID))
		require.NoError(t, s.MarkSent(ctx, acked.ID))
		require.NoError(t, s.MarkAcknowledged(ctx, acked.ID))

		recs, err := s.DrainPending(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("excludes records past expiry", func(t *testing.T) {
		mock := clock.NewMock()
		s := NewMemoryStore(WithMemoryClock(mock))

		out := testOutbound("a")
		out.TTL = time.Second
		s.Enqueue(ctx, out, 0)
		mock.Add(2 * time.Second)

		recs, err := s.DrainPending(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

func TestMemoryStoreTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("mark sent requires pending", func(t *testing.T) {
		s := NewMemoryStore()
		rec, _ := s.Enqueue(ctx, testOutbound("a"), 0)
		require.NoError(t, s.MarkSent(ctx, rec.ID))

		err := s.MarkSent(ctx, rec.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("mark sent on unknown id", func(t *testing.T) {
		s := NewMemoryStore()
		err := s.MarkSent(ctx, "missing")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("mark acknowledged is idempotent", func(t *testing.T) {
		s := NewMemoryStore()
		rec, _ := s.Enqueue(ctx, testOutbound("a"), 0)
		require.NoError(t, s.MarkSent(ctx, rec.ID))

		assert.NoError(t, s.MarkAcknowledged(ctx, rec.ID))
		assert.NoError(t, s.MarkAcknowledged(ctx, rec.ID))

		got, _ := s.Get(ctx, rec.ID)
		assert.Equal(t, StateAcknowledged, got.State)
	})

	t.Run("mark acknowledged ignores unknown ids", func(t *testing.T) {
		s := NewMemoryStore()
		assert.NoError(t, s.MarkAcknowledged(ctx, "long-gone"))
	})

	t.Run("mark failed records the reason", func(t *testing.T) {
		s := NewMemoryStore()
		rec, _ := s.Enqueue(ctx, testOutbound("a"), 3)
		require.NoError(t, s.MarkFailed(ctx, rec.ID, "broker rejected"))

		got, _ := s.Get(ctx, rec.ID)
		assert.Equal(t, StateFailed, got.State)
		assert.Equal(t, "broker rejected", got.Reason)
	})

	t.Run("mark failed rejects terminal records", func(t *testing.T) {
		s := NewMemoryStore()
		rec, _ := s.Enqueue(ctx, testOutbound("a"), 0)
		require.NoError(t, s.MarkSent(ctx, rec.ID))
		require.NoError(t, s.MarkAcknowledged(ctx, rec.ID))

		err := s.MarkFailed(ctx, rec.ID, "too late")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestMemoryStoreIncrementRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("consumes one retry and returns record to pending", func(t *testing.T) {
		s := NewMemoryStore()
		rec, _ := s.Enqueue(ctx, testOutbound("a"), 2)
		require.NoError(t, s.MarkSent(ctx, rec.ID))
		require.NoError(t, s.MarkFailed(ctx, rec.ID, "publish failed"))

		ok, err := s.IncrementRetry(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got, _ := s.Get(ctx, rec.ID)
		assert.Equal(t, StatePending, got.State)
		assert.Equal(t, 1, got.RetryCount)
	})

	t.Run("exhausted budget forces terminal failed", func(t *testing.T) {
		s := NewMemoryStore()
		rec, _ := s.Enqueue(ctx, testOutbound("a"), 1)

		ok, err := s.IncrementRetry(ctx, rec.ID)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.IncrementRetry(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		got, _ := s.Get(ctx, rec.ID)
		assert.Equal(t, StateFailed, got.State)
		assert.Equal(t, 1, got.RetryCount)

		recs, _ := s.DrainPending(ctx, 0)
		assert.Empty(t, recs)
	})

	t.Run("rejects terminal records", func(t *testing.T) {
		s := NewMemoryStore()
		rec, _ := s.Enqueue(ctx, testOutbound("a"), 3)
		require.NoError(t, s.MarkSent(ctx, rec.ID))
		require.NoError(t, s.MarkAcknowledged(ctx, rec.ID))

		_, err := s.IncrementRetry(ctx, rec.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("rejects sent records awaiting acknowledgment", func(t *testing.T) {
		s := NewMemoryStore()
		rec, _ := s.Enqueue(ctx, testOutbound("a"), 3)
		require.NoError(t, s.MarkSent(ctx, rec.ID))

		_, err := s.IncrementRetry(ctx, rec.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		got, _ := s.Get(ctx, rec.ID)
		assert.Equal(t, StateSent, got.State)
	})
}

func TestMemoryStoreRequeueSent(t *testing.T) {
	ctx := context.Background()

	t.Run("returns sent records to pending", func(t *testing.T) {
		s := NewMemoryStore()

		sent, _ := s.Enqueue(ctx, testOutbound("a"), 3)
		require.NoError(t, s.MarkSent(ctx, sent.ID))

		pending, _ := s.Enqueue(ctx, testOutbound("b"), 3)

		acked, _ := s.Enqueue(ctx, testOutbound("c"), 3)
		require.NoError(t, s.MarkSent(ctx, acked.ID))
		require.NoError(t, s.MarkAcknowledged(ctx, acked.ID))

		moved, err := s.RequeueSent(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, moved)

		got, _ := s.Get(ctx, sent.ID)
		assert.Equal(t, StatePending, got.State)
		got, _ = s.Get(ctx, pending.ID)
		assert.Equal(t, StatePending, got.State)
		got, _ = s.Get(ctx, acked.ID)
		assert.Equal(t, StateAcknowledged, got.State)

		recs, err := s.DrainPending(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("nothing to requeue", func(t *testing.T) {
		s := NewMemoryStore()
		moved, err := s.RequeueSent(ctx)
		require.NoError(t, err)
		assert.Zero(t, moved)
	})

	t.Run("fails after close", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Close())

		_, err := s.RequeueSent(ctx)
		assert.ErrorIs(t, err, ErrStoreClosed)
	})
}

func TestMemoryStoreSweepExpired(t *testing.T) {
	ctx := context.Background()

	t.Run("flags unacknowledged records past their ttl", func(t *testing.T) {
		mock := clock.NewMock()
		s := NewMemoryStore(WithMemoryClock(mock))

		out := testOutbound("a")
		out.TTL = time.Second
		rec, _ := s.Enqueue(ctx, out, 0)

		acked := testOutbound("b")
		acked.TTL = time.Second
		ackedRec, _ := s.Enqueue(ctx, acked, 0)
		require.NoError(t, s.MarkSent(ctx, ackedRec.ID))
		require.NoError(t, s.MarkAcknowledged(ctx, ackedRec.ID))

		forever, _ := s.Enqueue(ctx, testOutbound("c"), 0)

		mock.Add(2 * time.Second)
		expired, err := s.SweepExpired(ctx, mock.Now())
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, rec.ID, expired[0].ID)
		assert.Equal(t, StateExpired, expired[0].State)

		got, _ := s.Get(ctx, forever.ID)
		assert.Equal(t, StatePending, got.State)
	})

	t.Run("sweep is idempotent", func(t *testing.T) {
		mock := clock.NewMock()
		s := NewMemoryStore(WithMemoryClock(mock))

		out := testOutbound("a")
		out.TTL = time.Second
		s.Enqueue(ctx, out, 0)
		mock.Add(2 * time.Second)

		first, err := s.SweepExpired(ctx, mock.Now())
		require.NoError(t, err)
		assert.Len(t, first, 1)

		second, err := s.SweepExpired(ctx, mock.Now())
		require.NoError(t, err)
		assert.Empty(t, second)
	})

	t.Run("expired records stay queryable", func(t *testing.T) {
		mock := clock.NewMock()
		s := NewMemoryStore(WithMemoryClock(mock))

		out := testOutbound("a")
		out.TTL = time.Second
		rec, _ := s.Enqueue(ctx, out, 0)
		mock.Add(2 * time.Second)
		s.SweepExpired(ctx, mock.Now())

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StateExpired, got.State)
	})
}

func TestMemoryStorePurgeTerminal(t *testing.T) {
	ctx := context.Background()

	t.Run("removes old terminal records only", func(t *testing.T) {
		mock := clock.NewMock()
		s := NewMemoryStore(WithMemoryClock(mock))

		acked, _ := s.Enqueue(ctx, testOutbound("a"), 0)
		require.NoError(t, s.MarkSent(ctx, acked.ID))
		require.NoError(t, s.MarkAcknowledged(ctx, acked.ID))

		pending, _ := s.Enqueue(ctx, testOutbound("b"), 0)

		mock.Add(time.Hour)
		removed, err := s.PurgeTerminal(ctx, 30*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = s.Get(ctx, acked.ID)
		assert.ErrorIs(t, err, ErrRecordNotFound)

		_, err = s.Get(ctx, pending.ID)
		assert.NoError(t, err)
	})

	t.Run("keeps terminal records inside the retention window", func(t *testing.T) {
		mock := clock.NewMock()
		s := NewMemoryStore(WithMemoryClock(mock))

		acked, _ := s.Enqueue(ctx, testOutbound("a"), 0)
		require.NoError(t, s.MarkSent(ctx, acked.ID))
		require.NoError(t, s.MarkAcknowledged(ctx, acked.ID))

		removed, err := s.PurgeTerminal(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})
}

func TestMemoryStoreStats(t *testing.T) {
	ctx := context.Background()

	s := NewMemoryStore()
	a, _ := s.Enqueue(ctx, testOutbound("a"), 0)
	b, _ := s.Enqueue(ctx, testOutbound("b"), 0)
	s.Enqueue(ctx, testOutbound("c"), 0)

	require.NoError(t, s.MarkSent(ctx, a.ID))
	require.NoError(t, s.MarkSent(ctx, b.ID))
	require.NoError(t, s.MarkAcknowledged(ctx, b.ID))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Sent)
	assert.Equal(t, 1, st.Acknowledged)
}
