package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Implementations must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// defaultMessageHandler returns a [MessageHandler] that logs received
// messages at debug level with structured fields. Sniffer payloads are
// JSON: for an object it extracts the packet type, for an array the
// number of info records. Plain payloads such as gas readings are
// logged as text when short.
func defaultMessageHandler(logger *slog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			return
		}

		fields := []any{
			"topic", topic,
			"payload_size", len(payload),
		}

		switch {
		case len(payload) > 0 && payload[0] == '{':
			var obj map[string]any
			if err := json.Unmarshal(payload, &obj); err == nil {
				if t, ok := obj["type"]; ok {
					fields = append(fields, "packet_type", t)
				}
			}
		case len(payload) > 0 && payload[0] == '[':
			var arr []json.RawMessage
			if err := json.Unmarshal(payload, &arr); err == nil {
				fields = append(fields, "records", len(arr))
			}
		case len(payload) <= 32:
			fields = append(fields, "payload", string(payload))
		}

		logger.Debug("mqtt message received", fields...)
	}
}

// floodGate admits at most limit inbound messages per window and drops
// the rest. Windows roll over lazily on the first message after the
// previous one expired, at which point any drops are reported.
type floodGate struct {
	limit  int
	window time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	opened  time.Time
	seen    int
	dropped int
}

func newFloodGate(limit int, window time.Duration, logger *slog.Logger) *floodGate {
	return &floodGate{
		limit:  limit,
		window: window,
		now:    time.Now,
		logger: logger,
	}
}

// admit counts one message and reports whether it fits in the current
// window.
func (g *floodGate) admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t := g.now(); t.Sub(g.opened) >= g.window {
		if g.dropped > 0 {
			g.logger.Warn("mqtt messages dropped due to rate limit",
				"received", g.seen,
				"dropped", g.dropped,
				"window", g.window.String(),
				"limit", g.limit,
			)
		}
		g.opened, g.seen, g.dropped = t, 0, 0
	}

	g.seen++
	if g.seen > g.limit {
		g.dropped++
		return false
	}
	return true
}
