// Copyright 2025 SureMQ Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package suremq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/suremq/suremq-go/config"
	"github.com/suremq/suremq-go/contracts"
	"github.com/suremq/suremq-go/internal/reliability"
	"github.com/suremq/suremq-go/internal/store"
	"github.com/suremq/suremq-go/messaging"
	pahotransport "github.com/suremq/suremq-go/transports/paho"
)

// MessageHandler receives inbound messages that passed deduplication
type MessageHandler func(msg contracts.Message)

// DeliveryFailureHandler receives terminal per-message failures
type DeliveryFailureHandler func(id, topic, reason string)

// Statistics is a point-in-time snapshot of the client
type Statistics struct {
	State             messaging.ConnectionState
	Pending           int
	Sent              int
	Acknowledged      int
	Failed            int
	Expired           int
	ReconnectAttempts int
	BreakerState      string
	DedupEntries      int
}

type subscription struct {
	pattern string
	level   contracts.DeliveryLevel
	handler MessageHandler
}

// Client is the resilient messaging client. Outbound messages are
// persisted before publishing and retried until acknowledged, expired or
// out of retries; inbound messages are deduplicated before reaching the
// application.
type Client struct {
	cfg       *config.Config
	transport messaging.Transport
	store     store.MessageStore
	superv    *messaging.ConnectionSupervisor
	tracker   *messaging.DeliveryTracker
	logger    *slog.Logger
	clk       clock.Clock

	mu            sync.RWMutex
	subscriptions map[string]subscription
	onMessage     MessageHandler
	onFailure     DeliveryFailureHandler

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// ClientOption configures the client
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger    *slog.Logger
	clk       clock.Clock
	transport messaging.Transport
}

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithClock sets the clock driving sweeps, retries and expiry
func WithClock(clk clock.Clock) ClientOption {
	return func(o *clientOptions) {
		o.clk = clk
	}
}

// WithTransport replaces the default MQTT transport; used to run the
// client over a different broker binding or a test double
func WithTransport(transport messaging.Transport) ClientOption {
	return func(o *clientOptions) {
		o.transport = transport
	}
}

// NewClient creates a client from the given configuration. Pass nil for
// defaults.
func NewClient(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &clientOptions{
		logger: slog.Default(),
		clk:    clock.New(),
	}
	for _, opt := range options {
		opt(opts)
	}

	transport := opts.transport
	if transport == nil {
		var err error
		transport, err = pahotransport.NewTransport(
			cfg.Broker.URL,
			cfg.Broker.ClientID,
			pahotransport.WithCredentials(cfg.Broker.Username, cfg.Broker.Password),
			pahotransport.WithKeepAlive(cfg.Broker.KeepAlive),
			pahotransport.WithConnectTimeout(cfg.Broker.ConnectTimeout),
			pahotransport.WithCleanSession(cfg.Broker.CleanSession),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
	}

	messageStore, err := newStore(cfg, opts)
	if err != nil {
		return nil, err
	}

	backoff := &reliability.ExponentialBackoff{
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Multiplier: cfg.Retry.Multiplier,
		Attempts:   cfg.Retry.MaxAttempts,
		Jitter:     cfg.Retry.Jitter,
	}
	breaker := reliability.NewCircuitBreaker(
		reliability.WithName("connect"),
		reliability.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		reliability.WithRecoveryTimeout(cfg.Breaker.RecoveryTimeout),
		reliability.WithClock(opts.clk),
	)

	superv := messaging.NewConnectionSupervisor(transport,
		messaging.WithSupervisorLogger(opts.logger),
		messaging.WithSupervisorClock(opts.clk),
		messaging.WithRetryPolicy(backoff),
		messaging.WithBreaker(breaker),
	)

	tracker := messaging.NewDeliveryTracker(messageStore, &messaging.DeliveryTrackerOptions{
		DedupTTL:  cfg.Delivery.DedupTTL,
		DedupSize: cfg.Delivery.DedupSize,
		Logger:    opts.logger,
	})

	c := &Client{
		cfg:           cfg,
		transport:     transport,
		store:         messageStore,
		superv:        superv,
		tracker:       tracker,
		logger:        opts.logger,
		clk:           opts.clk,
		subscriptions: make(map[string]subscription),
		done:          make(chan struct{}),
	}

	transport.SetEvents(transportEvents{c})
	superv.AddStateListener(c.onStateChange)
	superv.Start()

	c.wg.Add(1)
	go c.sweepLoop()

	return c, nil
}

// NewClientFromFile creates a client from a TOML configuration file
func NewClientFromFile(path string, options ...ClientOption) (*Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg, options...)
}

func newStore(cfg *config.Config, opts *clientOptions) (store.MessageStore, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return store.NewMemoryStore(store.WithMemoryClock(opts.clk)), nil
	default:
		s, err := store.NewSQLiteStore(cfg.Storage.Path,
			store.WithSQLiteLogger(opts.logger),
			store.WithSQLiteClock(opts.clk))
		if err != nil {
			return nil, fmt.Errorf("failed to open message store: %w", err)
		}
		return s, nil
	}
}

// Connect requests a broker connection. The outcome is reported through
// OnConnectionStateChanged; a Faulted client is reset and tries again.
func (c *Client) Connect() {
	c.superv.Connect()
}

// Disconnect gracefully ends the session. Pending messages stay in the
// store and are drained on the next Connect.
func (c *Client) Disconnect() {
	c.superv.Disconnect()
}

// State returns the current connection state
func (c *Client) State() messaging.ConnectionState {
	return c.superv.State()
}

// Send persists the message and, when connected, publishes it
// immediately. The returned id identifies the message in failure
// callbacks and acknowledgment tracking. Send never blocks on the
// network; a down connection leaves the record for the background drain.
func (c *Client) Send(ctx context.Context, topic string, payload []byte, level contracts.DeliveryLevel, retain bool, ttl time.Duration) (string, error) {
	out := contracts.Outbound{
		Topic:         topic,
		Payload:       payload,
		DeliveryLevel: level,
		Retain:        retain,
		TTL:           ttl,
	}

	rec, err := c.store.Enqueue(ctx, out, c.cfg.Storage.MaxRetries)
	if err != nil {
		// The caller must know the delivery guarantee does not hold
		return "", err
	}

	if c.superv.State() == messaging.StateConnected {
		go c.publishRecord(context.Background(), rec)
	}

	return rec.ID, nil
}

// Subscribe registers a topic-pattern subscription. The handler receives
// messages whose topic equals the pattern exactly; wildcard traffic goes
// to the OnMessage catch-all (pattern matching is the broker's business).
// Subscriptions are replayed on every reconnect.
func (c *Client) Subscribe(ctx context.Context, pattern string, level contracts.DeliveryLevel, handler MessageHandler) error {
	if pattern == "" {
		return fmt.Errorf("subscribe: pattern is required")
	}
	if !level.Valid() {
		return fmt.Errorf("subscribe: invalid delivery level %d", level)
	}

	c.mu.Lock()
	c.subscriptions[pattern] = subscription{pattern: pattern, level: level, handler: handler}
	c.mu.Unlock()

	if c.superv.State() == messaging.StateConnected {
		if err := c.transport.Subscribe(ctx, pattern, level); err != nil {
			return fmt.Errorf("subscribe %q failed: %w", pattern, err)
		}
	}
	return nil
}

// OnMessage sets the catch-all handler for inbound messages without a
// matching subscription handler
func (c *Client) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnConnectionStateChanged registers a connection transition handler
func (c *Client) OnConnectionStateChanged(handler messaging.StateChangeHandler) {
	c.superv.AddStateListener(handler)
}

// OnDeliveryFailure registers a handler for messages that reached a
// terminal Failed or Expired state
func (c *Client) OnDeliveryFailure(handler DeliveryFailureHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailure = handler
}

// Stats returns a snapshot of client statistics
func (c *Client) Stats(ctx context.Context) (Statistics, error) {
	st, err := c.store.Stats(ctx)
	if err != nil {
		return Statistics{}, err
	}
	breaker := c.superv.BreakerMetrics()
	return Statistics{
		State:             c.superv.State(),
		Pending:           st.Pending,
		Sent:              st.Sent,
		Acknowledged:      st.Acknowledged,
		Failed:            st.Failed,
		Expired:           st.Expired,
		ReconnectAttempts: c.superv.ReconnectAttempts(),
		BreakerState:      breaker.State.String(),
		DedupEntries:      c.tracker.SeenCount(),
	}, nil
}

// Close shuts the client down. Unacknowledged messages stay persisted
// for the next process run.
func (c *Client) Close() error {
	var storeErr error
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.superv.Stop()
		if err := c.transport.Close(); err != nil {
			c.logger.Warn("transport close failed", "error", err)
		}
		storeErr = c.store.Close()
	})
	return storeErr
}

// transportEvents adapts transport callbacks onto the client without
// colliding with its public handler-registration methods
type transportEvents struct {
	c *Client
}

func (e transportEvents) OnConnected() {
	// The supervisor learns the outcome from the connect call itself
}

func (e transportEvents) OnConnectionLost(reason error) {
	e.c.superv.NotifyConnectionLost(reason)
}

func (e transportEvents) OnMessage(msg contracts.Message) {
	e.c.dispatchInbound(msg)
}

func (e transportEvents) OnPublishAcknowledged(id string) {
	e.c.tracker.OnAcknowledgment(context.Background(), id)
}

// onStateChange reacts to supervisor transitions
func (c *Client) onStateChange(change messaging.StateChange) {
	if change.To == messaging.StateConnected {
		ctx := context.Background()
		c.requeueInFlight(ctx)
		c.resubscribeAll(ctx)
		c.drainOnce(ctx)
	}
}

// requeueInFlight returns Sent records to Pending on a fresh connection.
// Their acknowledgments were lost with the previous session, so the
// drain republishes them; the receiving side may see a duplicate.
func (c *Client) requeueInFlight(ctx context.Context) {
	moved, err := c.store.RequeueSent(ctx)
	if err != nil {
		c.logger.Error("failed to requeue in-flight messages", "error", err)
		return
	}
	if moved > 0 {
		c.logger.Info("requeued unacknowledged in-flight messages", "count", moved)
	}
}

// resubscribeAll replays the subscription registry after a (re)connect
func (c *Client) resubscribeAll(ctx context.Context) {
	c.mu.RLock()
	subs := make([]subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.mu.RUnlock()

	for _, sub := range subs {
		err := reliability.Retry(ctx, reliability.NewFixedDelay(time.Second, 3), func() error {
			return c.transport.Subscribe(ctx, sub.pattern, sub.level)
		})
		if err != nil {
			c.logger.Error("failed to restore subscription",
				"pattern", sub.pattern, "error", err)
		}
	}
}

// sweepLoop periodically expires stale records and drains deliverable
// ones. It runs regardless of connection state; draining is skipped
// while disconnected.
func (c *Client) sweepLoop() {
	defer c.wg.Done()

	ticker := c.clk.Ticker(c.cfg.Delivery.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			c.sweepOnce(ctx)
			if c.superv.State() == messaging.StateConnected {
				c.drainOnce(ctx)
			}
		case <-c.done:
			return
		}
	}
}

// sweepOnce expires stale records and purges old terminal ones
func (c *Client) sweepOnce(ctx context.Context) {
	expired, err := c.store.SweepExpired(ctx, c.clk.Now())
	if err != nil {
		c.logger.Error("expiry sweep failed", "error", err)
		return
	}
	for _, rec := range expired {
		c.logger.Warn("message expired undelivered", "id", rec.ID, "topic", rec.Topic)
		c.notifyFailure(rec.ID, rec.Topic, rec.Reason)
	}

	if c.cfg.Storage.Retention > 0 {
		if _, err := c.store.PurgeTerminal(ctx, c.cfg.Storage.Retention); err != nil {
			c.logger.Error("terminal record purge failed", "error", err)
		}
	}
}

// drainOnce republishes deliverable records in CreatedAt order
func (c *Client) drainOnce(ctx context.Context) {
	records, err := c.store.DrainPending(ctx, c.cfg.Delivery.DrainBatch)
	if err != nil {
		c.logger.Error("drain failed", "error", err)
		return
	}

	for _, rec := range records {
		if c.superv.State() != messaging.StateConnected {
			return
		}

		if rec.State == store.StateFailed {
			ok, err := c.store.IncrementRetry(ctx, rec.ID)
			if err != nil {
				c.logger.Error("retry bookkeeping failed", "id", rec.ID, "error", err)
				continue
			}
			if !ok {
				c.notifyFailure(rec.ID, rec.Topic, "retry limit reached")
				continue
			}
		}

		c.publishRecord(ctx, rec)
	}
}

// publishRecord marks the record sent and hands it to the transport. A
// transport failure moves it to Failed for the next drain; the record is
// never dropped.
func (c *Client) publishRecord(ctx context.Context, rec *store.Record) {
	if err := c.store.MarkSent(ctx, rec.ID); err != nil {
		// Raced with an ack, expiry or concurrent drain
		c.logger.Debug("skipping publish", "id", rec.ID, "error", err)
		return
	}

	err := c.transport.Publish(ctx, rec.ID, rec.Topic, rec.Payload, rec.DeliveryLevel, rec.Retain)
	if err != nil {
		c.logger.Warn("publish failed", "id", rec.ID, "topic", rec.Topic, "error", err)
		if merr := c.store.MarkFailed(ctx, rec.ID, err.Error()); merr != nil {
			c.logger.Error("failed to record publish failure", "id", rec.ID, "error", merr)
			return
		}
		if got, gerr := c.store.Get(ctx, rec.ID); gerr == nil && got.RetryCount >= got.MaxRetries {
			// No retries left; this failure is terminal
			c.notifyFailure(rec.ID, rec.Topic, "retry limit reached")
		}
		return
	}

	// At-most-once publishes get no broker confirmation; the write
	// itself is the delivery
	if rec.DeliveryLevel == contracts.AtMostOnce {
		if merr := c.store.MarkAcknowledged(ctx, rec.ID); merr != nil {
			c.logger.Error("failed to settle at-most-once record", "id", rec.ID, "error", merr)
		}
	}
}

// dispatchInbound deduplicates an inbound message and routes it to the
// matching subscription handler or the catch-all
func (c *Client) dispatchInbound(msg contracts.Message) {
	if c.tracker.OnInboundMessage(msg) {
		return
	}

	c.mu.RLock()
	sub, hasSub := c.subscriptions[msg.Topic]
	catchAll := c.onMessage
	c.mu.RUnlock()

	if hasSub && sub.handler != nil {
		sub.handler(msg)
		return
	}
	if catchAll != nil {
		catchAll(msg)
	}
}

func (c *Client) notifyFailure(id, topic, reason string) {
	c.mu.RLock()
	handler := c.onFailure
	c.mu.RUnlock()

	if handler != nil {
		handler(id, topic, reason)
	}
}
