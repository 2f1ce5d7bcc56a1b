package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeMessage satisfies the paho Message interface for dispatch tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeToken completes immediately, optionally with an error.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// fakePaho satisfies the paho Client interface and records broker-side
// subscribe calls, failing the topics listed in failTopics.
type fakePaho struct {
	mu         sync.Mutex
	subscribed []string
	failTopics map[string]error
}

func (f *fakePaho) Subscribe(topic string, qos byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failTopics[topic]; ok {
		return &fakeToken{err: err}
	}
	f.subscribed = append(f.subscribed, topic)
	return &fakeToken{}
}

func (f *fakePaho) subscribedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

func (f *fakePaho) IsConnected() bool      { return true }
func (f *fakePaho) IsConnectionOpen() bool { return true }
func (f *fakePaho) Connect() pahomqtt.Token {
	return &fakeToken{}
}
func (f *fakePaho) Disconnect(uint) {}
func (f *fakePaho) Publish(string, byte, bool, interface{}) pahomqtt.Token {
	return &fakeToken{}
}
func (f *fakePaho) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return &fakeToken{}
}
func (f *fakePaho) Unsubscribe(...string) pahomqtt.Token {
	return &fakeToken{}
}
func (f *fakePaho) AddRoute(string, pahomqtt.MessageHandler) {}
func (f *fakePaho) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return New(Options{
		BrokerURL:      "tcp://localhost:1883",
		ClientIDPrefix: "test",
	}, zap.NewNop())
}

func TestRouteInvokesHandlersInRegistrationOrder(t *testing.T) {
	c := newTestClient(t)

	var order []string
	c.handlers["inventory/sale"] = []Handler{
		func(payload []byte, topic string) { order = append(order, "first:"+string(payload)) },
		func(payload []byte, topic string) { order = append(order, "second:"+topic) },
	}

	c.route(nil, &fakeMessage{topic: "inventory/sale", payload: []byte("hello")})

	require.Equal(t, []string{"first:hello", "second:inventory/sale"}, order)
}

func TestRoutePanickingHandlerIsIsolated(t *testing.T) {
	c := newTestClient(t)

	var delivered bool
	c.handlers["inventory/sale"] = []Handler{
		func([]byte, string) { panic("boom") },
		func([]byte, string) { delivered = true },
	}

	assert.NotPanics(t, func() {
		c.route(nil, &fakeMessage{topic: "inventory/sale"})
	})
	assert.True(t, delivered, "the second handler must still run")
}

func TestRouteWildcardFilter(t *testing.T) {
	c := newTestClient(t)

	var got []string
	c.handlers["inventory/+"] = []Handler{
		func(_ []byte, topic string) { got = append(got, topic) },
	}

	c.route(nil, &fakeMessage{topic: "inventory/sale"})
	c.route(nil, &fakeMessage{topic: "inventory/restock"})
	c.route(nil, &fakeMessage{topic: "other/sale"})

	assert.Equal(t, []string{"inventory/sale", "inventory/restock"}, got)
}

func TestRouteExactAndWildcardBothDeliver(t *testing.T) {
	c := newTestClient(t)

	var got []string
	c.handlers["inventory/sale"] = []Handler{
		func([]byte, string) { got = append(got, "exact") },
	}
	c.handlers["inventory/+"] = []Handler{
		func([]byte, string) { got = append(got, "wildcard") },
	}

	c.route(nil, &fakeMessage{topic: "inventory/sale"})

	assert.ElementsMatch(t, []string{"exact", "wildcard"}, got,
		"an exact registration must not starve a matching wildcard filter")
}

func TestOnConnectRearmsSubscriptions(t *testing.T) {
	c := newTestClient(t)
	paho := &fakePaho{}
	c.paho = paho

	require.NoError(t, c.Subscribe("inventory/sale", func([]byte, string) {}))
	require.NoError(t, c.Subscribe("inventory/restock", func([]byte, string) {}))
	require.NoError(t, c.Subscribe("alerts/#", func([]byte, string) {}))

	// A reconnect re-arms every registered topic without the owners doing
	// anything.
	paho.subscribed = nil
	c.onConnect(paho)

	assert.ElementsMatch(t,
		[]string{"inventory/sale", "inventory/restock", "alerts/#"},
		paho.subscribedTopics())
	assert.Equal(t, StateConnected, c.Status().State)
}

func TestOnConnectRearmFailureDoesNotStopOthers(t *testing.T) {
	c := newTestClient(t)
	paho := &fakePaho{failTopics: map[string]error{"inventory/restock": errors.New("denied")}}
	c.paho = paho

	c.handlers["inventory/sale"] = []Handler{func([]byte, string) {}}
	c.handlers["inventory/restock"] = []Handler{func([]byte, string) {}}
	c.handlers["alerts/#"] = []Handler{func([]byte, string) {}}

	assert.NotPanics(t, func() { c.onConnect(paho) })

	assert.ElementsMatch(t, []string{"inventory/sale", "alerts/#"}, paho.subscribedTopics(),
		"a failed re-subscribe must not abort the remaining topics")
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"inventory/sale", "inventory/sale", true},
		{"inventory/sale", "inventory/restock", false},
		{"inventory/+", "inventory/sale", true},
		{"inventory/+", "inventory/sale/extra", false},
		{"inventory/#", "inventory/sale/extra", true},
		{"#", "anything/at/all", true},
		{"inventory/sale", "inventory", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TopicMatches(tc.filter, tc.topic),
			"filter %q topic %q", tc.filter, tc.topic)
	}
}

func TestSubscribeNotConnected(t *testing.T) {
	c := newTestClient(t)

	err := c.Subscribe("inventory/sale", func([]byte, string) {})

	var subErr *SubscriptionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, "inventory/sale", subErr.Topic)
	assert.Empty(t, c.handlers, "a failed subscribe must not leave handlers behind")
}

func TestPublishNotConnected(t *testing.T) {
	c := newTestClient(t)

	err := c.Publish("inventory/sale", "payload")

	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "inventory/sale", pubErr.Topic)
}

func TestUnsubscribeNeverSubscribedIsNoOp(t *testing.T) {
	c := newTestClient(t)
	assert.NoError(t, c.Unsubscribe("inventory/sale"))
}

func TestStatusTransitions(t *testing.T) {
	c := newTestClient(t)

	status := c.Status()
	assert.Equal(t, StateDisconnected, status.State)
	assert.Equal(t, "disconnected", status.StateName)
	assert.Empty(t, status.SubscribedTopics)

	c.setState(StateConnected)
	c.handlers["inventory/sale"] = []Handler{func([]byte, string) {}}

	status = c.Status()
	assert.Equal(t, StateConnected, status.State)
	assert.Equal(t, []string{"inventory/sale"}, status.SubscribedTopics)

	c.setState(StateReconnecting)
	assert.Equal(t, "reconnecting", c.Status().StateName)
}

func TestDisconnectClearsState(t *testing.T) {
	c := newTestClient(t)
	c.setState(StateConnected)
	c.handlers["inventory/sale"] = []Handler{func([]byte, string) {}}

	c.Disconnect()

	status := c.Status()
	assert.Equal(t, StateDisconnected, status.State)
	assert.Empty(t, status.SubscribedTopics)
}

func TestEncodePayload(t *testing.T) {
	b, err := encodePayload([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), b)

	b, err = encodePayload("text")
	require.NoError(t, err)
	assert.Equal(t, []byte("text"), b)

	b, err = encodePayload(map[string]int{"quantity": 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"quantity":3}`, string(b))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")

	assert.ErrorIs(t, &ConnectionError{Broker: "b", Err: cause}, cause)
	assert.ErrorIs(t, &SubscriptionError{Topic: "t", Err: cause}, cause)
	assert.ErrorIs(t, &PublishError{Topic: "t", Err: cause}, cause)

	assert.Contains(t, (&ConnectionError{Broker: "wss://b", Err: cause}).Error(), "wss://b")
}
