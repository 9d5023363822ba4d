package pcap

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// Publisher sends decoded frames to the broker.
type Publisher interface {
	PublishPacket(ctx context.Context, pkt any) error
	PublishNetwork(ctx context.Context, src string, records []any) error
}

// Stats counts what a [Pump] run did with the frames it read.
type Stats struct {
	Frames    int `json:"frames"`
	Packets   int `json:"packets"`
	Network   int `json:"network"`
	Skipped   int `json:"skipped"`
	Malformed int `json:"malformed"`
	Failed    int `json:"failed"`
}

// Pump decodes every frame from r and publishes it until the stream
// ends or ctx is cancelled. Undecodable frames and publish failures are
// logged and counted; only read errors end the run early.
func Pump(ctx context.Context, r *Reader, pub Publisher, logger *slog.Logger) (Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var st Stats

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, err
		}
		st.Frames++

		res, err := Decode(f)
		switch {
		case errors.Is(err, ErrNotData):
			st.Skipped++
			continue
		case err != nil:
			st.Malformed++
			logger.Debug("frame dropped", "error", err)
			continue
		}

		if res.Packet != nil {
			if err := pub.PublishPacket(ctx, res.Packet); err != nil {
				st.Failed++
				logger.Warn("packet publish failed", "src", res.Src, "type", res.Packet.Type, "error", err)
				continue
			}
			st.Packets++
			continue
		}

		if res.Truncated {
			logger.Debug("metadata frame ends in a broken TLV", "src", res.Src, "records", len(res.Network))
		}
		if len(res.Network) == 0 {
			continue
		}
		records := make([]any, len(res.Network))
		for i, rec := range res.Network {
			records[i] = rec
		}
		if err := pub.PublishNetwork(ctx, res.Src, records); err != nil {
			st.Failed++
			logger.Warn("network publish failed", "src", res.Src, "error", err)
			continue
		}
		st.Network++
	}
}
