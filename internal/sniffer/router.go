// Package sniffer routes messages from the sniffer topic tree into the
// topology graph and the packet log.
//
// Packet messages arrive under <root>/pkt as a single JSON object.
// Network architecture messages arrive under <root>/network as a JSON
// array of typed info records. Malformed messages are logged and
// dropped; records that reference unknown nodes are ignored.
package sniffer

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nugget/meshview/internal/metrics"
	"github.com/nugget/meshview/internal/packetlog"
	"github.com/nugget/meshview/internal/topology"
)

var validate = validator.New()

// Router dispatches sniffer messages. It has the shape of an
// mqtt.MessageHandler via [Router.HandleMessage].
type Router struct {
	root    string
	graph   *topology.Graph
	packets *packetlog.Log
	logger  *slog.Logger
}

// NewRouter creates a router for the topic tree under root.
func NewRouter(root string, graph *topology.Graph, packets *packetlog.Log, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		root:    strings.TrimSuffix(root, "/"),
		graph:   graph,
		packets: packets,
		logger:  logger,
	}
}

// PacketTopic is the topic prefix of packet messages.
func (r *Router) PacketTopic() string { return r.root + "/pkt" }

// NetworkTopic is the topic prefix of network architecture messages.
func (r *Router) NetworkTopic() string { return r.root + "/network" }

// HandleMessage processes one message from the sniffer topic tree.
func (r *Router) HandleMessage(topic string, payload []byte) {
	if !strings.HasPrefix(topic, r.root) || len(payload) == 0 {
		return
	}

	switch {
	case strings.HasPrefix(topic, r.PacketTopic()):
		r.handlePacket(topic, payload)
	case strings.HasPrefix(topic, r.NetworkTopic()):
		r.handleNetwork(topic, payload)
	default:
		r.logger.Debug("sniffer message on unhandled topic", "topic", topic)
	}
}

func (r *Router) handlePacket(topic string, payload []byte) {
	var pkt packetlog.Packet
	if err := json.Unmarshal(payload, &pkt); err != nil {
		r.reject(r.PacketTopic(), topic, payload, err)
		return
	}
	if err := validate.Struct(pkt); err != nil {
		r.reject(r.PacketTopic(), topic, payload, err)
		return
	}
	r.packets.Add(pkt)
}

func (r *Router) handleNetwork(topic string, payload []byte) {
	var infos []Info
	if err := json.Unmarshal(payload, &infos); err != nil {
		r.reject(r.NetworkTopic(), topic, payload, err)
		return
	}
	for i, info := range infos {
		if err := r.apply(info); err != nil {
			r.logger.Warn("network info dropped",
				"topic", topic, "index", i, "type", info.Type, "error", err)
		}
	}
}

// apply performs one network info record. Records of unknown type are
// skipped without error.
func (r *Router) apply(info Info) error {
	switch info.Type {
	case InfoNode:
		var v NodeInfo
		if err := decode(info.Value, &v); err != nil {
			return err
		}
		r.graph.AddNode(topology.Node{ID: v.ID, Addr: v.Addr, Gateway: v.Gateway})

	case InfoCacheInfo:
		var v CacheInfo
		if err := json.Unmarshal(info.Value, &v); err != nil {
			return err
		}
		if validate.Struct(v) != nil || *v.CacheSize <= 0 {
			// Partial reports are expected and not an error.
			r.logger.Debug("incomplete cache info ignored", "addr", v.Addr)
			return nil
		}
		node, ok := r.graph.FindNodeByAddress(v.Addr)
		if !ok {
			return nil
		}
		r.graph.UpdateNodeCache(node.ID, *v.Cached / *v.CacheSize)

	case InfoRoute, InfoRouteLost:
		var v RouteInfo
		if err := decode(info.Value, &v); err != nil {
			return err
		}
		src, ok1 := r.graph.FindNodeByAddress(v.Src)
		dst, ok2 := r.graph.FindNodeByAddress(v.Dst)
		if !ok1 || !ok2 {
			r.logger.Debug("route for unknown address ignored",
				"type", info.Type, "src", v.Src, "dst", v.Dst)
			return nil
		}
		if info.Type == InfoRoute {
			r.graph.AddLink(src.ID, dst.ID, "")
		} else {
			r.graph.RemoveLink(src.ID, dst.ID)
		}

	default:
		r.logger.Debug("unknown network info type skipped", "type", info.Type)
	}
	return nil
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	return validate.Struct(v)
}

// reject counts a dropped message under its topic prefix, which keeps
// the metric's label set bounded.
func (r *Router) reject(prefix, topic string, payload []byte, err error) {
	metrics.MessagesRejected.WithLabelValues(prefix).Inc()
	r.logger.Warn("malformed sniffer message dropped",
		"topic", topic,
		"payload_size", len(payload),
		"error", err,
	)
}
