package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/suremq/suremq-go/internal/reliability"
)

// ConnectionState is the supervisor's view of the broker session
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFaulted
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// StateChange describes one supervisor transition. Attempt and NextDelay
// are populated when entering Reconnecting; Err carries the failure that
// caused the transition, if any.
type StateChange struct {
	From      ConnectionState
	To        ConnectionState
	Attempt   int
	NextDelay time.Duration
	Err       error
}

// StateChangeHandler receives supervisor transitions. Handlers run on
// their own goroutine and must not call back into the supervisor
// synchronously from a blocking section.
type StateChangeHandler func(change StateChange)

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evConnectSucceeded
	evConnectFailed
	evConnectionLost
	evRetryDue
	evShutdown
)

type supervisorEvent struct {
	kind eventKind
	err  error
}

// ConnectionSupervisor owns the connection state machine. One goroutine
// consumes the event channel and performs every transition, so the state
// is never read torn. The supervisor exclusively owns its retry schedule
// and circuit breaker; they are reset together on explicit Connect and on
// graceful Disconnect.
type ConnectionSupervisor struct {
	transport Transport
	schedule  *reliability.RetrySchedule
	breaker   *reliability.CircuitBreaker
	clk       clock.Clock
	logger    *slog.Logger

	mu        sync.RWMutex
	state     ConnectionState
	listeners []StateChangeHandler

	events     chan supervisorEvent
	done       chan struct{}
	retryTimer *clock.Timer
	wg         sync.WaitGroup
	started    bool
	startMu    sync.Mutex
}

// SupervisorOption configures the supervisor
type SupervisorOption func(*ConnectionSupervisor)

// WithSupervisorLogger sets the logger
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *ConnectionSupervisor) {
		s.logger = logger
	}
}

// WithSupervisorClock sets the clock driving the reconnect timer
func WithSupervisorClock(clk clock.Clock) SupervisorOption {
	return func(s *ConnectionSupervisor) {
		s.clk = clk
	}
}

// WithRetryPolicy sets the reconnect backoff policy
func WithRetryPolicy(policy reliability.RetryPolicy) SupervisorOption {
	return func(s *ConnectionSupervisor) {
		s.schedule = reliability.NewRetrySchedule(policy)
	}
}

// WithBreaker sets the circuit breaker wrapping connect attempts
func WithBreaker(breaker *reliability.CircuitBreaker) SupervisorOption {
	return func(s *ConnectionSupervisor) {
		s.breaker = breaker
	}
}

// NewConnectionSupervisor creates a supervisor over the given transport.
// Start must be called before Connect.
func NewConnectionSupervisor(transport Transport, opts ...SupervisorOption) *ConnectionSupervisor {
	s := &ConnectionSupervisor{
		transport: transport,
		schedule: reliability.NewRetrySchedule(
			reliability.NewExponentialBackoff(1*time.Second, 2*time.Minute, 2.0, 10)),
		breaker: reliability.NewCircuitBreaker(
			reliability.WithName("connect"),
			reliability.WithFailureThreshold(5),
			reliability.WithRecoveryTimeout(30*time.Second)),
		clk:    clock.New(),
		logger: slog.Default(),
		state:  StateDisconnected,
		events: make(chan supervisorEvent, 16),
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches the supervising goroutine
func (s *ConnectionSupervisor) Start() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.run()
}

// Stop shuts down the supervisor. A connected transport is disconnected
// first.
func (s *ConnectionSupervisor) Stop() {
	s.startMu.Lock()
	if !s.started {
		s.startMu.Unlock()
		return
	}
	s.started = false
	s.startMu.Unlock()

	s.events <- supervisorEvent{kind: evShutdown}
	s.wg.Wait()
	close(s.done)
}

// post delivers an event to the loop goroutine. After Stop the loop is
// gone; events arriving then are dropped so late timer callbacks and
// transport notifications cannot block.
func (s *ConnectionSupervisor) post(ev supervisorEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// State returns the current connection state
func (s *ConnectionSupervisor) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ReconnectAttempts returns the attempt count of the current retry cycle
func (s *ConnectionSupervisor) ReconnectAttempts() int {
	return s.schedule.Attempts()
}

// BreakerMetrics returns a snapshot of the connect breaker
func (s *ConnectionSupervisor) BreakerMetrics() reliability.CircuitBreakerMetrics {
	return s.breaker.GetMetrics()
}

// AddStateListener registers a transition handler
func (s *ConnectionSupervisor) AddStateListener(handler StateChangeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, handler)
}

// Connect requests a connection. From Faulted this resets the retry
// schedule and breaker for a fresh cycle.
func (s *ConnectionSupervisor) Connect() {
	s.post(supervisorEvent{kind: evConnect})
}

// Disconnect requests a graceful disconnect. Any pending reconnect timer
// is cancelled and the retry schedule and breaker are left fresh for the
// next Connect.
func (s *ConnectionSupervisor) Disconnect() {
	s.post(supervisorEvent{kind: evDisconnect})
}

// NotifyConnectionLost feeds an unexpected transport drop into the state
// machine. Called from the transport event path.
func (s *ConnectionSupervisor) NotifyConnectionLost(reason error) {
	s.post(supervisorEvent{kind: evConnectionLost, err: reason})
}

// run is the single state-owning goroutine
func (s *ConnectionSupervisor) run() {
	defer s.wg.Done()

	for ev := range s.events {
		switch ev.kind {
		case evShutdown:
			s.cancelRetryTimer()
			if s.State() == StateConnected {
				s.disconnectTransport()
			}
			return

		case evConnect:
			s.handleConnect()

		case evDisconnect:
			s.handleDisconnect()

		case evConnectSucceeded:
			s.handleConnectSucceeded()

		case evConnectFailed:
			s.handleConnectFailed(ev.err)

		case evConnectionLost:
			s.handleConnectionLost(ev.err)

		case evRetryDue:
			s.handleRetryDue()
		}
	}
}

func (s *ConnectionSupervisor) handleConnect() {
	switch s.State() {
	case StateDisconnected, StateFaulted:
		s.schedule.Reset()
		s.breaker.Reset()
		s.transition(StateConnecting, StateChange{})
		s.startAttempt()
	default:
		// Connect while already connecting/connected is a no-op
	}
}

func (s *ConnectionSupervisor) handleDisconnect() {
	switch s.State() {
	case StateConnected:
		s.disconnectTransport()
		s.schedule.Reset()
		s.breaker.Reset()
		s.transition(StateDisconnected, StateChange{})
	case StateConnecting, StateReconnecting:
		s.cancelRetryTimer()
		s.schedule.Reset()
		s.breaker.Reset()
		s.transition(StateDisconnected, StateChange{})
	}
}

func (s *ConnectionSupervisor) handleConnectSucceeded() {
	if s.State() != StateConnecting {
		// A Disconnect raced the attempt; tear the session back down
		if s.State() == StateDisconnected {
			s.disconnectTransport()
		}
		return
	}
	s.schedule.Reset()
	s.transition(StateConnected, StateChange{})
}

func (s *ConnectionSupervisor) handleConnectFailed(err error) {
	if s.State() != StateConnecting {
		return
	}
	s.scheduleRetry(err)
}

func (s *ConnectionSupervisor) handleConnectionLost(err error) {
	if s.State() != StateConnected {
		return
	}
	s.logger.Warn("connection lost", "error", err)
	s.scheduleRetry(err)
}

func (s *ConnectionSupervisor) handleRetryDue() {
	if s.State() != StateReconnecting {
		return
	}
	s.transition(StateConnecting, StateChange{})
	s.startAttempt()
}

// scheduleRetry moves to Reconnecting with a backoff timer, or Faulted
// when the schedule is exhausted
func (s *ConnectionSupervisor) scheduleRetry(cause error) {
	delay, err := s.schedule.Next()
	if err != nil {
		s.logger.Error("reconnect attempts exhausted",
			"attempts", s.schedule.Attempts(), "error", cause)
		s.transition(StateFaulted, StateChange{Err: cause})
		return
	}

	attempt := s.schedule.Attempts()
	s.logger.Info("scheduling reconnect",
		"attempt", attempt, "delay", delay, "error", cause)

	s.cancelRetryTimer()
	s.retryTimer = s.clk.AfterFunc(delay, func() {
		s.post(supervisorEvent{kind: evRetryDue})
	})

	s.transition(StateReconnecting, StateChange{
		Attempt:   attempt,
		NextDelay: delay,
		Err:       cause,
	})
}

// startAttempt runs one breaker-wrapped connect attempt off the loop
// goroutine and posts the outcome back as an event
func (s *ConnectionSupervisor) startAttempt() {
	go func() {
		err := s.breaker.Execute(context.Background(), func() error {
			return s.transport.Connect(context.Background())
		})
		if err != nil {
			s.post(supervisorEvent{kind: evConnectFailed, err: err})
			return
		}
		s.post(supervisorEvent{kind: evConnectSucceeded})
	}()
}

func (s *ConnectionSupervisor) disconnectTransport() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.transport.Disconnect(ctx); err != nil {
		s.logger.Warn("transport disconnect failed", "error", err)
	}
}

func (s *ConnectionSupervisor) cancelRetryTimer() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// transition moves to the new state and notifies listeners
func (s *ConnectionSupervisor) transition(to ConnectionState, change StateChange) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	listeners := make([]StateChangeHandler, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	change.From = from
	change.To = to

	s.logger.Debug("connection state changed", "from", from, "to", to)

	for _, handler := range listeners {
		go handler(change)
	}
}
