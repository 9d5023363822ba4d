package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/nugget/meshview/internal/config"
	"github.com/nugget/meshview/internal/mqtt"
	"github.com/nugget/meshview/internal/pcap"
)

// sniff publishes every frame of the capture in src under the sniffer
// topic root. It waits for the broker before reading so no frame is
// lost to a pending connection.
func sniff(ctx context.Context, src io.Reader, cfg *config.Config, logger *slog.Logger) (pcap.Stats, error) {
	r, err := pcap.NewReader(src, logger.With("component", "pcap"))
	if err != nil {
		return pcap.Stats{}, err
	}
	logger.Info("capture opened", "link_type", r.LinkType())

	pub := mqtt.NewPublisher(cfg.MQTT, cfg.MQTT.Sniffer, logger.With("component", "mqtt"))
	if err := pub.Start(ctx); err != nil {
		return pcap.Stats{}, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := pub.Stop(stopCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}()

	if err := pub.AwaitConnection(ctx); err != nil {
		return pcap.Stats{}, fmt.Errorf("await broker %s: %w", cfg.MQTT.Broker, err)
	}

	stats, err := pcap.Pump(ctx, r, pub, logger.With("component", "pcap"))
	logger.Info("capture finished",
		"frames", stats.Frames,
		"packets", stats.Packets,
		"network", stats.Network,
		"failed", stats.Failed,
	)
	return stats, err
}
