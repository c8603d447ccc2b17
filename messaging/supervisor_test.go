package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suremq/suremq-go/contracts"
	"github.com/suremq/suremq-go/internal/reliability"
)

type publishCall struct {
	id      string
	topic   string
	payload []byte
	level   contracts.DeliveryLevel
	retain  bool
}

// fakeTransport is a controllable Transport for supervisor and client tests.
type fakeTransport struct {
	mu            sync.Mutex
	events        TransportEvents
	failConnects  int // fail this many connect attempts, -1 fails all
	connects      int
	disconnects   int
	published     []publishCall
	subscriptions []string
	publishErr    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: NopEvents{}}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failConnects < 0 || f.connects <= f.failConnects {
		return errors.New("dial refused")
	}
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) Publish(ctx context.Context, id, topic string, payload []byte, level contracts.DeliveryLevel, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishCall{id, topic, payload, level, retain})
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, pattern string, level contracts.DeliveryLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = append(f.subscriptions, pattern)
	return nil
}

func (f *fakeTransport) SetEvents(events TransportEvents) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = events
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) setPublishErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

func (f *fakeTransport) publishedCalls() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishCall, len(f.published))
	copy(out, f.published)
	return out
}

func (f *fakeTransport) subscriptionPatterns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.subscriptions))
	copy(out, f.subscriptions)
	return out
}

func waitForState(t *testing.T, s *ConnectionSupervisor, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.State() == want
	}, 2*time.Second, 5*time.Millisecond, "supervisor never reached %s", want)
}

func TestConnectionSupervisor(t *testing.T) {
	t.Run("connects on request", func(t *testing.T) {
		transport := newFakeTransport()
		s := NewConnectionSupervisor(transport)
		s.Start()
		defer s.Stop()

		require.Equal(t, StateDisconnected, s.State())
		s.Connect()

		waitForState(t, s, StateConnected)
		assert.Equal(t, 1, transport.connectCount())
	})

	t.Run("retries with backoff until an attempt succeeds", func(t *testing.T) {
		transport := newFakeTransport()
		transport.failConnects = 2
		s := NewConnectionSupervisor(transport,
			WithRetryPolicy(reliability.NewFixedDelay(10*time.Millisecond, 5)))
		s.Start()
		defer s.Stop()

		s.Connect()

		waitForState(t, s, StateConnected)
		assert.Equal(t, 3, transport.connectCount())
		assert.Equal(t, 0, s.ReconnectAttempts(), "schedule resets on success")
	})

	t.Run("faults once the retry budget is exhausted", func(t *testing.T) {
		transport := newFakeTransport()
		transport.failConnects = -1
		s := NewConnectionSupervisor(transport,
			WithRetryPolicy(reliability.NewFixedDelay(5*time.Millisecond, 2)),
			WithBreaker(reliability.NewCircuitBreaker(reliability.WithFailureThreshold(100))))
		s.Start()
		defer s.Stop()

		s.Connect()

		waitForState(t, s, StateFaulted)
		assert.Equal(t, 3, transport.connectCount(), "initial attempt plus two retries")
	})

	t.Run("breaker opens under repeated connect failures", func(t *testing.T) {
		transport := newFakeTransport()
		transport.failConnects = -1
		s := NewConnectionSupervisor(transport,
			WithRetryPolicy(reliability.NewFixedDelay(2*time.Millisecond, 5)),
			WithBreaker(reliability.NewCircuitBreaker(
				reliability.WithFailureThreshold(3),
				reliability.WithRecoveryTimeout(time.Hour))))
		s.Start()
		defer s.Stop()

		s.Connect()

		waitForState(t, s, StateFaulted)
		assert.Equal(t, reliability.StateOpen, s.BreakerMetrics().State)
		// Open breaker short-circuits; the transport saw only the first three
		assert.Equal(t, 3, transport.connectCount())
	})

	t.Run("explicit connect from faulted starts a fresh cycle", func(t *testing.T) {
		transport := newFakeTransport()
		transport.failConnects = -1
		s := NewConnectionSupervisor(transport,
			WithRetryPolicy(reliability.NewFixedDelay(2*time.Millisecond, 1)),
			WithBreaker(reliability.NewCircuitBreaker(
				reliability.WithFailureThreshold(1),
				reliability.WithRecoveryTimeout(time.Hour))))
		s.Start()
		defer s.Stop()

		s.Connect()
		waitForState(t, s, StateFaulted)
		require.Equal(t, reliability.StateOpen, s.BreakerMetrics().State)

		transport.mu.Lock()
		transport.failConnects = 0
		transport.mu.Unlock()

		s.Connect()
		waitForState(t, s, StateConnected)
		assert.Equal(t, reliability.StateClosed, s.BreakerMetrics().State)
	})

	t.Run("disconnect cancels a pending reconnect", func(t *testing.T) {
		transport := newFakeTransport()
		transport.failConnects = -1
		s := NewConnectionSupervisor(transport,
			WithRetryPolicy(reliability.NewFixedDelay(time.Hour, 5)))
		s.Start()
		defer s.Stop()

		s.Connect()
		waitForState(t, s, StateReconnecting)

		s.Disconnect()
		waitForState(t, s, StateDisconnected)

		connects := transport.connectCount()
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, connects, transport.connectCount(), "no attempt after disconnect")
		assert.Equal(t, 0, s.ReconnectAttempts())
	})

	t.Run("graceful disconnect tears the session down", func(t *testing.T) {
		transport := newFakeTransport()
		s := NewConnectionSupervisor(transport)
		s.Start()
		defer s.Stop()

		s.Connect()
		waitForState(t, s, StateConnected)

		s.Disconnect()
		waitForState(t, s, StateDisconnected)
		assert.Equal(t, 1, transport.disconnectCount())
	})

	t.Run("connection loss triggers reconnection", func(t *testing.T) {
		transport := newFakeTransport()
		s := NewConnectionSupervisor(transport,
			WithRetryPolicy(reliability.NewFixedDelay(5*time.Millisecond, 5)))
		s.Start()
		defer s.Stop()

		s.Connect()
		waitForState(t, s, StateConnected)

		s.NotifyConnectionLost(errors.New("broker went away"))

		require.Eventually(t, func() bool {
			return transport.connectCount() == 2 && s.State() == StateConnected
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("connect while connected is a no-op", func(t *testing.T) {
		transport := newFakeTransport()
		s := NewConnectionSupervisor(transport)
		s.Start()
		defer s.Stop()

		s.Connect()
		waitForState(t, s, StateConnected)

		s.Connect()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, StateConnected, s.State())
		assert.Equal(t, 1, transport.connectCount())
	})

	t.Run("stale connection loss events are ignored", func(t *testing.T) {
		transport := newFakeTransport()
		s := NewConnectionSupervisor(transport)
		s.Start()
		defer s.Stop()

		s.NotifyConnectionLost(errors.New("noise"))
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, StateDisconnected, s.State())
		assert.Equal(t, 0, transport.connectCount())
	})

	t.Run("listeners observe each transition", func(t *testing.T) {
		transport := newFakeTransport()
		s := NewConnectionSupervisor(transport)

		var mu sync.Mutex
		var seen []string
		s.AddStateListener(func(change StateChange) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, change.From.String()+"->"+change.To.String())
		})

		s.Start()
		defer s.Stop()
		s.Connect()
		waitForState(t, s, StateConnected)

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 2 &&
				seen[0] == "disconnected->connecting" &&
				seen[1] == "connecting->connected"
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("events after stop are discarded", func(t *testing.T) {
		transport := newFakeTransport()
		s := NewConnectionSupervisor(transport)
		s.Start()

		s.Connect()
		waitForState(t, s, StateConnected)
		s.Stop()

		// Late transport callbacks outnumber the event buffer; each call
		// must return instead of blocking on a loop that is gone
		for i := 0; i < 64; i++ {
			s.NotifyConnectionLost(errors.New("late callback"))
		}
		s.Connect()
		s.Disconnect()

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, transport.connectCount())
	})

	t.Run("reconnecting change carries attempt and delay", func(t *testing.T) {
		transport := newFakeTransport()
		transport.failConnects = -1
		s := NewConnectionSupervisor(transport,
			WithRetryPolicy(reliability.NewFixedDelay(time.Hour, 3)))

		changes := make(chan StateChange, 8)
		s.AddStateListener(func(change StateChange) {
			changes <- change
		})

		s.Start()
		defer s.Stop()
		s.Connect()

		waitForState(t, s, StateReconnecting)
		for {
			select {
			case change := <-changes:
				if change.To != StateReconnecting {
					continue
				}
				assert.Equal(t, 1, change.Attempt)
				assert.Equal(t, time.Hour, change.NextDelay)
				assert.Error(t, change.Err)
				return
			case <-time.After(time.Second):
				t.Fatal("no reconnecting transition observed")
			}
		}
	})
}
