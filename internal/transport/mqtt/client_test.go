package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-service/internal/config"
)

type doneToken struct {
	done chan struct{}
	err  error
}

func newToken(err error) *doneToken {
	t := &doneToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { <-t.done; return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type pendingToken struct{ done chan struct{} }

func (t *pendingToken) Wait() bool                     { <-t.done; return true }
func (t *pendingToken) WaitTimeout(time.Duration) bool { return false }
func (t *pendingToken) Done() <-chan struct{}          { return t.done }
func (t *pendingToken) Error() error                   { return nil }

type message struct {
	paho.Message
	topic   string
	payload []byte
}

func (m message) Topic() string   { return m.topic }
func (m message) Payload() []byte { return m.payload }

// fakeBroker stands in for a connected paho client.
type fakeBroker struct {
	paho.Client

	mu         sync.Mutex
	opts       *paho.ClientOptions
	connected  bool
	filters    map[string]byte
	callback   paho.MessageHandler
	published  []string
	publishErr error
	stall      bool
}

func (f *fakeBroker) Connect() paho.Token {
	f.mu.Lock()
	f.connected = true
	onConnect := f.opts.OnConnect
	f.mu.Unlock()
	if onConnect != nil {
		onConnect(f)
	}
	return newToken(nil)
}

func (f *fakeBroker) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBroker) SubscribeMultiple(filters map[string]byte, cb paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = filters
	f.callback = cb
	return newToken(nil)
}

func (f *fakeBroker) Publish(topic string, _ byte, _ bool, _ interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stall {
		return &pendingToken{done: make(chan struct{})}
	}
	f.published = append(f.published, topic)
	return newToken(f.publishErr)
}

func (f *fakeBroker) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeBroker) deliver(topic string, payload []byte) {
	f.mu.Lock()
	cb := f.callback
	f.mu.Unlock()
	cb(f, message{topic: topic, payload: payload})
}

func newTestClient(t *testing.T) (*Client, *fakeBroker) {
	t.Helper()
	broker := &fakeBroker{}
	c := New(config.MQTTConfig{BrokerURL: "tcp://broker:1883", ClientID: "test", QoS: 1}, zerolog.Nop())
	c.newClient = func(o *paho.ClientOptions) paho.Client {
		broker.opts = o
		return broker
	}
	return c, broker
}

func TestSubscribeBeforeConnectAppliesOnConnect(t *testing.T) {
	c, broker := newTestClient(t)

	var got []string
	require.NoError(t, c.Subscribe([]string{"parking/+/camera", "parking/+/LED"}, func(topic string, payload []byte) {
		got = append(got, topic+"="+string(payload))
	}))
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, map[string]byte{"parking/+/camera": 1, "parking/+/LED": 1}, broker.filters)
	broker.deliver("parking/0001/camera", []byte("{}"))
	assert.Equal(t, []string{"parking/0001/camera={}"}, got)
}

func TestReconnectResubscribes(t *testing.T) {
	c, broker := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe([]string{"parking/+/camera"}, func(string, []byte) {}))
	require.NotNil(t, broker.filters)

	broker.filters = nil
	broker.opts.OnConnect(broker)
	assert.Equal(t, map[string]byte{"parking/+/camera": 1}, broker.filters)
}

func TestPublish(t *testing.T) {
	c, broker := newTestClient(t)
	assert.ErrorIs(t, c.Publish(context.Background(), "x", nil), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Publish(context.Background(), "/gate/0001/g1/get", []byte("{}")))
	assert.Equal(t, []string{"/gate/0001/g1/get"}, broker.published)

	broker.publishErr = errors.New("not authorized")
	assert.ErrorContains(t, c.Publish(context.Background(), "t", nil), "not authorized")
}

func TestPublishHonoursContext(t *testing.T) {
	c, broker := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))
	broker.stall = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Publish(ctx, "t", nil), context.DeadlineExceeded)
}

func TestClose(t *testing.T) {
	c, broker := newTestClient(t)
	c.Close()
	require.NoError(t, c.Connect(context.Background()))
	c.Close()
	assert.False(t, broker.IsConnectionOpen())
}
