package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnectionState is queryable at any time via Client.Status.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateReconnecting
	StateErrored
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateErrored:
		return "errored"
	default:
		return "disconnected"
	}
}

type Status struct {
	State            ConnectionState `json:"-"`
	StateName        string          `json:"state"`
	SubscribedTopics []string        `json:"subscribed_topics"`
}

// Handler receives every message delivered on its topic.
type Handler func(payload []byte, topic string)

type Options struct {
	BrokerURL        string
	ClientIDPrefix   string
	Username         string
	Password         string
	KeepAlive        time.Duration
	CleanSession     bool
	ConnectTimeout   time.Duration
	ReconnectBackoff time.Duration
	TLSConfig        *tls.Config
}

// Client wraps a single persistent broker connection. Handlers registered
// with Subscribe survive connection loss: the broker-side subscriptions are
// re-armed on every successful (re)connect, so callers never resubscribe.
type Client struct {
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	paho     pahomqtt.Client
	state    ConnectionState
}

func New(opts Options, logger *zap.Logger) *Client {
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 60 * time.Second
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.ReconnectBackoff == 0 {
		opts.ReconnectBackoff = 5 * time.Second
	}
	return &Client{
		opts:     opts,
		logger:   logger,
		handlers: make(map[string][]Handler),
		state:    StateDisconnected,
	}
}

// Connect establishes the connection and blocks until the broker acknowledges
// it or the configured timeout elapses. After the first successful connect the
// paho layer retries lost connections at a fixed interval until Disconnect.
func (c *Client) Connect() error {
	clientID := fmt.Sprintf("%s_%s", c.opts.ClientIDPrefix, uuid.NewString()[:8])

	po := pahomqtt.NewClientOptions().
		AddBroker(c.opts.BrokerURL).
		SetClientID(clientID).
		SetKeepAlive(c.opts.KeepAlive).
		SetCleanSession(c.opts.CleanSession).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetryInterval(c.opts.ReconnectBackoff).
		SetMaxReconnectInterval(c.opts.ReconnectBackoff).
		SetOrderMatters(true)

	if c.opts.Username != "" {
		po.SetUsername(c.opts.Username)
		po.SetPassword(c.opts.Password)
	}
	if c.opts.TLSConfig != nil {
		po.SetTLSConfig(c.opts.TLSConfig)
	}

	po.SetOnConnectHandler(c.onConnect)
	po.SetConnectionLostHandler(c.onConnectionLost)
	po.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.setState(StateReconnecting)
		c.logger.Warn("MQTT reconnecting", zap.String("broker", c.opts.BrokerURL))
	})

	client := pahomqtt.NewClient(po)

	c.mu.Lock()
	c.paho = client
	c.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		c.setState(StateErrored)
		return &ConnectionError{Broker: c.opts.BrokerURL, Err: errors.New("connect timeout")}
	}
	if err := token.Error(); err != nil {
		c.setState(StateErrored)
		return &ConnectionError{Broker: c.opts.BrokerURL, Err: err}
	}
	return nil
}

// Subscribe registers handler for topic. Multiple handlers per topic are
// allowed and run in registration order for each message.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	client := c.paho
	connected := client != nil && client.IsConnected()
	if !connected {
		c.mu.Unlock()
		return &SubscriptionError{Topic: topic, Err: errors.New("not connected")}
	}
	_, armed := c.handlers[topic]
	c.handlers[topic] = append(c.handlers[topic], handler)
	c.mu.Unlock()

	if armed {
		// Broker-side subscription already exists; only the local fan-out grew.
		return nil
	}

	token := client.Subscribe(topic, 1, c.route)
	token.Wait()
	if err := token.Error(); err != nil {
		c.mu.Lock()
		delete(c.handlers, topic)
		c.mu.Unlock()
		return &SubscriptionError{Topic: topic, Err: err}
	}
	c.logger.Info("MQTT subscribed", zap.String("topic", topic))
	return nil
}

// Unsubscribe removes the broker-side subscription and all local handlers for
// topic. It is a no-op when the topic was never subscribed.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	_, ok := c.handlers[topic]
	delete(c.handlers, topic)
	client := c.paho
	c.mu.Unlock()

	if !ok || client == nil || !client.IsConnected() {
		return nil
	}

	token := client.Unsubscribe(topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return &SubscriptionError{Topic: topic, Err: err}
	}
	return nil
}

// PublishOption adjusts delivery of a single message.
type PublishOption func(*publishSettings)

type publishSettings struct {
	qos      byte
	retained bool
}

func WithQoS(qos byte) PublishOption {
	return func(s *publishSettings) { s.qos = qos }
}

func WithRetained() PublishOption {
	return func(s *publishSettings) { s.retained = true }
}

// Publish sends message on topic. []byte and string payloads go out as-is,
// anything else is JSON encoded.
func (c *Client) Publish(topic string, message interface{}, opts ...PublishOption) error {
	c.mu.RLock()
	client := c.paho
	c.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return &PublishError{Topic: topic, Err: errors.New("not connected")}
	}

	payload, err := encodePayload(message)
	if err != nil {
		return &PublishError{Topic: topic, Err: err}
	}

	settings := publishSettings{qos: 1}
	for _, opt := range opts {
		opt(&settings)
	}

	token := client.Publish(topic, settings.qos, settings.retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

// Disconnect closes the connection and clears all subscription state. It is
// best-effort and never fails.
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.paho
	c.paho = nil
	c.handlers = make(map[string][]Handler)
	c.state = StateDisconnected
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	c.logger.Info("MQTT disconnected")
}

func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	topics := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		topics = append(topics, t)
	}
	return Status{
		State:            c.state,
		StateName:        c.state.String(),
		SubscribedTopics: topics,
	}
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) onConnect(client pahomqtt.Client) {
	c.setState(StateConnected)

	// Re-arm every registered topic so handlers keep receiving messages after
	// a reconnect without the owning code noticing the drop.
	c.mu.RLock()
	topics := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		topics = append(topics, t)
	}
	c.mu.RUnlock()

	for _, topic := range topics {
		token := client.Subscribe(topic, 1, c.route)
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Error("MQTT resubscribe failed",
				zap.String("topic", topic),
				zap.Error(err))
			continue
		}
	}

	c.logger.Info("MQTT connected",
		zap.String("broker", c.opts.BrokerURL),
		zap.Strings("topics", topics))
}

func (c *Client) onConnectionLost(_ pahomqtt.Client, err error) {
	c.setState(StateReconnecting)
	c.logger.Warn("MQTT connection lost", zap.Error(err))
}

// route is the single paho message callback; it fans the payload out to the
// topic's handlers in registration order. A panicking handler is isolated so
// it cannot take down the read loop or starve the remaining handlers.
func (c *Client) route(_ pahomqtt.Client, msg pahomqtt.Message) {
	c.mu.RLock()
	var handlers []Handler
	handlers = append(handlers, c.handlers[msg.Topic()]...)
	// Wildcard filters register under the filter, not the concrete topic, and
	// deliver alongside any exact registration for the same message.
	for filter, hs := range c.handlers {
		if filter == msg.Topic() {
			continue
		}
		if TopicMatches(filter, msg.Topic()) {
			handlers = append(handlers, hs...)
		}
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		c.invoke(h, msg.Payload(), msg.Topic())
	}
}

func (c *Client) invoke(h Handler, payload []byte, topic string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("MQTT handler panicked",
				zap.String("topic", topic),
				zap.Any("panic", r))
		}
	}()
	h(payload, topic)
}

func encodePayload(message interface{}) ([]byte, error) {
	switch m := message.(type) {
	case []byte:
		return m, nil
	case string:
		return []byte(m), nil
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return b, nil
	}
}

// TopicMatches reports whether an MQTT topic filter (with + and # wildcards)
// matches a concrete topic name.
func TopicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")

	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
