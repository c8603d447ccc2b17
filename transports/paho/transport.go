// Package paho adapts the Eclipse Paho MQTT client to the
// messaging.Transport interface. Paho's own auto-reconnect and connect
// retry are disabled; the connection supervisor owns that loop.
package paho

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/suremq/suremq-go/contracts"
	"github.com/suremq/suremq-go/messaging"
)

// Transport implements messaging.Transport over paho.mqtt.golang
type Transport struct {
	client mqtt.Client
	opts   *mqtt.ClientOptions

	mu     sync.RWMutex
	events messaging.TransportEvents
	closed bool
}

// Config holds the broker session settings
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CleanSession   bool
}

// Option configures the transport
type Option func(*Config)

// WithCredentials sets the broker credentials
func WithCredentials(username, password string) Option {
	return func(c *Config) {
		c.Username = username
		c.Password = password
	}
}

// WithKeepAlive sets the MQTT keep-alive interval
func WithKeepAlive(interval time.Duration) Option {
	return func(c *Config) {
		c.KeepAlive = interval
	}
}

// WithConnectTimeout sets the per-attempt connect timeout
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.ConnectTimeout = timeout
	}
}

// WithCleanSession controls whether the broker discards session state
// between connections. Resilient delivery wants this off.
func WithCleanSession(clean bool) Option {
	return func(c *Config) {
		c.CleanSession = clean
	}
}

// NewTransport creates a transport for the given broker
func NewTransport(brokerURL, clientID string, options ...Option) (*Transport, error) {
	if brokerURL == "" {
		return nil, fmt.Errorf("paho: broker url is required")
	}
	if clientID == "" {
		return nil, fmt.Errorf("paho: client id is required")
	}

	cfg := &Config{
		BrokerURL:      brokerURL,
		ClientID:       clientID,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}

	t := &Transport{}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetCleanSession(cfg.CleanSession).
		SetAutoReconnect(false).
		SetConnectRetry(false)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		if events := t.getEvents(); events != nil {
			events.OnConnected()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if events := t.getEvents(); events != nil {
			events.OnConnectionLost(err)
		}
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		t.deliver(msg)
	})

	t.opts = opts
	t.client = mqtt.NewClient(opts)
	return t, nil
}

// SetEvents implements messaging.Transport
func (t *Transport) SetEvents(events messaging.TransportEvents) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = events
}

func (t *Transport) getEvents() messaging.TransportEvents {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.events
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return messaging.ErrTransportClosed
	}

	token := t.client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("paho: connect failed: %w", err)
	}
	return nil
}

// Disconnect implements messaging.Transport
func (t *Transport) Disconnect(ctx context.Context) error {
	// Quiesce window lets in-flight publishes finish
	t.client.Disconnect(250)
	return nil
}

// Publish implements messaging.Transport. The broker confirmation for the
// given publish handle is reported through OnPublishAcknowledged once the
// delivery-level handshake completes.
func (t *Transport) Publish(ctx context.Context, id string, topic string, payload []byte, level contracts.DeliveryLevel, retain bool) error {
	if !t.client.IsConnected() {
		return messaging.ErrNotConnected
	}

	token := t.client.Publish(topic, byte(level), retain, payload)

	go func() {
		token.Wait()
		if token.Error() != nil {
			return
		}
		if events := t.getEvents(); events != nil {
			events.OnPublishAcknowledged(id)
		}
	}()

	return nil
}

// Subscribe implements messaging.Transport. Messages arrive through the
// default publish handler so the client can run them through dedup before
// any application handler sees them.
func (t *Transport) Subscribe(ctx context.Context, pattern string, level contracts.DeliveryLevel) error {
	if !t.client.IsConnected() {
		return messaging.ErrNotConnected
	}

	token := t.client.Subscribe(pattern, byte(level), func(_ mqtt.Client, msg mqtt.Message) {
		t.deliver(msg)
	})
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("paho: subscribe %q failed: %w", pattern, err)
	}
	return nil
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	if t.client.IsConnected() {
		t.client.Disconnect(250)
	}
	return nil
}

// deliver converts a paho message and forwards it to the event sink
func (t *Transport) deliver(msg mqtt.Message) {
	events := t.getEvents()
	if events == nil {
		return
	}

	// Packet ids are only assigned above at-most-once; without one there
	// is nothing stable to deduplicate on. Brokers recycle packet ids,
	// so the id alone never decides suppression, only the DUP flag does
	var id string
	if msg.Qos() > 0 {
		id = fmt.Sprintf("%s#%d", msg.Topic(), msg.MessageID())
	}

	events.OnMessage(contracts.Message{
		ID:            id,
		Topic:         msg.Topic(),
		Payload:       msg.Payload(),
		DeliveryLevel: contracts.DeliveryLevel(msg.Qos()),
		Retained:      msg.Retained(),
		Duplicate:     msg.Duplicate(),
		ReceivedAt:    time.Now(),
	})
}

// waitToken waits for a paho token respecting context cancellation
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
