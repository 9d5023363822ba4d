package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nugget/meshview/internal/config"
)

// Publisher feeds sniffed traffic into the broker under a topic root.
// Packets go to <root>/pkt/<n> and network architecture records to
// <root>/network/<source address>.
type Publisher struct {
	client *Client
	root   string
	seq    atomic.Uint64
	logger *slog.Logger
}

// NewPublisher creates a publish-only link. The client id gets a random
// suffix so a sniffer can run next to a dashboard with the same config.
func NewPublisher(cfg config.MQTTConfig, link config.LinkConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	link.ClientID = UniqueClientID(link.ClientID)
	return &Publisher{
		client: NewClient("publisher", cfg, link, nil, nil, logger),
		root:   link.Topic,
		logger: logger,
	}
}

// Start connects to the broker. See [Client.Start].
func (p *Publisher) Start(ctx context.Context) error {
	return p.client.Start(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	return p.client.AwaitConnection(ctx)
}

// Stop disconnects from the broker.
func (p *Publisher) Stop(ctx context.Context) error {
	return p.client.Stop(ctx)
}

// PacketTopic returns the topic of the next packet message.
func (p *Publisher) PacketTopic(n uint64) string {
	return fmt.Sprintf("%s/pkt/%d", p.root, n)
}

// NetworkTopic returns the topic of network records sent by src.
func (p *Publisher) NetworkTopic(src string) string {
	return p.root + "/network/" + src
}

// PublishPacket publishes one packet as a JSON object.
func (p *Publisher) PublishPacket(ctx context.Context, pkt any) error {
	return p.publishJSON(ctx, p.PacketTopic(p.seq.Add(1)), pkt)
}

// PublishNetwork publishes network architecture records from src as a
// JSON array. An empty record list is not sent.
func (p *Publisher) PublishNetwork(ctx context.Context, src string, records []any) error {
	if len(records) == 0 {
		return nil
	}
	return p.publishJSON(ctx, p.NetworkTopic(src), records)
}

func (p *Publisher) publishJSON(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	if err := p.client.Publish(ctx, topic, payload); err != nil {
		return err
	}
	p.logger.Debug("mqtt message published", "topic", topic, "payload_size", len(payload))
	return nil
}
