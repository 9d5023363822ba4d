package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/meshview/internal/config"
	"github.com/nugget/meshview/internal/events"
	"github.com/nugget/meshview/internal/metrics"
)

// ErrNotStarted is returned by operations on a Client that has not
// been started.
var ErrNotStarted = errors.New("mqtt client not started")

// Client is one broker link with automatic fixed-interval reconnect.
// On every (re-)connect it subscribes to its topic filter, if any.
type Client struct {
	name    string
	cfg     config.MQTTConfig
	link    config.LinkConfig
	handler MessageHandler
	debug   MessageHandler
	bus     *events.Bus
	logger  *slog.Logger

	connected atomic.Bool
	gate      *floodGate
	cm        *autopaho.ConnectionManager
}

// NewClient creates a Client but does not connect. name identifies the
// link in logs, metrics and events. handler may be nil for a
// publish-only link; bus may be nil.
func NewClient(name string, cfg config.MQTTConfig, link config.LinkConfig, handler MessageHandler, bus *events.Bus, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("link", name)
	c := &Client{
		name:    name,
		cfg:     cfg,
		link:    link,
		handler: handler,
		debug:   defaultMessageHandler(logger),
		bus:     bus,
		logger:  logger,
	}
	if cfg.RateLimitPerSec > 0 {
		c.gate = newFloodGate(cfg.RateLimitPerSec, time.Second, logger)
	}
	metrics.MQTTConnected.WithLabelValues(name).Set(0)
	return c
}

// Name returns the link name.
func (c *Client) Name() string { return c.name }

// Connected reports whether the link is currently connected.
func (c *Client) Connected() bool { return c.connected.Load() }

// Start begins connecting to the broker and returns immediately.
// autopaho keeps retrying in the background until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	retry := c.cfg.RetryInterval()
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:       []*url.URL{brokerURL},
		KeepAlive:        uint16(c.cfg.KeepAliveSec),
		ConnectUsername:  c.cfg.Username,
		ConnectPassword:  []byte(c.cfg.Password),
		ReconnectBackoff: autopaho.NewConstantBackoff(retry),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.up()
			c.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			c.down(err)
			c.logger.Warn("mqtt connection error",
				"broker", c.cfg.Broker,
				"retry_in", retry.String(),
				"error", err,
			)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.link.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.receive(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.down(err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.down(fmt.Errorf("server disconnect, reason code %d", d.ReasonCode))
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm
	c.logger.Info("mqtt link starting",
		"broker", c.cfg.Broker,
		"client_id", c.link.ClientID,
		"filter", c.filter(),
	)
	return nil
}

// filter returns the subscription filter, or "" for a publish-only link.
func (c *Client) filter() string {
	if c.handler == nil || c.link.Topic == "" {
		return ""
	}
	return c.link.Filter()
}

func (c *Client) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	filter := c.filter()
	if filter == "" {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: filter, QoS: 0},
		},
	}); err != nil {
		c.logger.Warn("mqtt subscribe failed", "filter", filter, "error", err)
		return
	}
	c.logger.Info("mqtt subscribed", "filter", filter)
}

// up and down flip the two-state connection flag and report only
// actual transitions.
func (c *Client) up() {
	if c.connected.Swap(true) {
		return
	}
	metrics.MQTTConnected.WithLabelValues(c.name).Set(1)
	c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker)
	c.bus.Publish(events.NewEvent(events.SourceBroker, events.KindLinkUp, map[string]any{
		"link":      c.name,
		"client_id": c.link.ClientID,
	}))
}

func (c *Client) down(err error) {
	if !c.connected.Swap(false) {
		return
	}
	metrics.MQTTConnected.WithLabelValues(c.name).Set(0)
	c.logger.Warn("mqtt connection lost", "error", err)
	c.bus.Publish(events.NewEvent(events.SourceBroker, events.KindLinkDown, map[string]any{
		"link":      c.name,
		"client_id": c.link.ClientID,
		"error":     fmt.Sprint(err),
	}))
}

// receive passes one inbound message through the rate limiter and the
// debug logger to the handler.
func (c *Client) receive(topic string, payload []byte) {
	metrics.MQTTMessages.WithLabelValues(c.name).Inc()
	if c.gate != nil && !c.gate.admit() {
		metrics.MQTTRateLimited.WithLabelValues(c.name).Inc()
		return
	}
	c.debug(topic, payload)
	if c.handler != nil {
		c.handler(topic, payload)
	}
}

// Publish sends payload to topic with QoS 0.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	if _, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Useful for connwatch health probes.
func (c *Client) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	return c.cm.AwaitConnection(ctx)
}

// Stop disconnects from the broker. The provided context controls how
// long to wait for the disconnect to complete.
func (c *Client) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	err := c.cm.Disconnect(ctx)
	c.connected.Store(false)
	metrics.MQTTConnected.WithLabelValues(c.name).Set(0)
	return err
}

// UniqueClientID appends a short random suffix to base so several
// instances can share a broker.
func UniqueClientID(base string) string {
	return base + "-" + uuid.NewString()[:8]
}
