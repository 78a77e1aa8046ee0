package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"parking-service/internal/config"
)

var ErrNotConnected = errors.New("mqtt: not connected")

// Handler receives every message on the subscribed topics. It runs on the
// client's delivery goroutines and may block.
type Handler func(topic string, payload []byte)

// Client wraps a paho client. Subscriptions registered with Subscribe are
// re-established on every (re)connect.
type Client struct {
	cfg       config.MQTTConfig
	log       zerolog.Logger
	newClient func(*paho.ClientOptions) paho.Client

	mu      sync.Mutex
	client  paho.Client
	subs    map[string]byte
	handler Handler
}

func New(cfg config.MQTTConfig, log zerolog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		log:       log,
		newClient: paho.NewClient,
		subs:      make(map[string]byte),
	}
}

func (c *Client) options() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetCleanSession(c.cfg.CleanSession).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.log.Warn().Err(err).Str("broker", c.cfg.BrokerURL).Msg("mqtt connection lost")
		}).
		SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
			c.log.Info().Str("broker", c.cfg.BrokerURL).Msg("mqtt reconnecting")
		})
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	}
	if c.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(c.cfg.KeepAlive)
	}
	return opts
}

// Connect dials the broker and waits for the first connection or ctx.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.client == nil {
		c.client = c.newClient(c.options())
	}
	client := c.client
	c.mu.Unlock()

	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", c.cfg.BrokerURL, err)
	}
	c.log.Info().Str("broker", c.cfg.BrokerURL).Str("client_id", c.cfg.ClientID).Msg("mqtt connected")
	return nil
}

// Subscribe registers handler for topics. It takes effect immediately when
// connected and again on every reconnect.
func (c *Client) Subscribe(topics []string, handler Handler) error {
	c.mu.Lock()
	for _, t := range topics {
		c.subs[t] = c.cfg.QoS
	}
	c.handler = handler
	client := c.client
	c.mu.Unlock()

	if client == nil || !client.IsConnectionOpen() {
		return nil
	}
	return c.subscribeAll(client)
}

func (c *Client) onConnect(client paho.Client) {
	if err := c.subscribeAll(client); err != nil {
		c.log.Error().Err(err).Msg("mqtt resubscribe failed")
	}
}

func (c *Client) subscribeAll(client paho.Client) error {
	c.mu.Lock()
	if len(c.subs) == 0 || c.handler == nil {
		c.mu.Unlock()
		return nil
	}
	filters := make(map[string]byte, len(c.subs))
	for t, q := range c.subs {
		filters[t] = q
	}
	handler := c.handler
	c.mu.Unlock()

	token := client.SubscribeMultiple(filters, func(_ paho.Client, m paho.Message) {
		handler(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(c.timeout()) {
		return errors.New("mqtt subscribe timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	for t := range filters {
		c.log.Info().Str("topic", t).Msg("mqtt subscribed")
	}
	return nil
}

// Publish sends payload at the configured QoS and waits for the broker
// acknowledgement or ctx.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	if err := wait(ctx, client.Publish(topic, c.cfg.QoS, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
		c.log.Info().Msg("mqtt disconnected")
	}
}

func (c *Client) timeout() time.Duration {
	if c.cfg.ConnectTimeout > 0 {
		return c.cfg.ConnectTimeout
	}
	return 30 * time.Second
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
