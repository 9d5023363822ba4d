// Package metrics holds the Prometheus collectors exported on /metrics.
// Collectors are package-level and registered with the default registry
// at init, so controllers update them directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// MQTTMessages counts inbound messages per broker link.
	MQTTMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshview_mqtt_messages_total",
			Help: "Inbound MQTT messages per broker link",
		},
		[]string{"link"},
	)

	// MQTTRateLimited counts messages dropped by the per-link rate limiter.
	MQTTRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshview_mqtt_rate_limited_total",
			Help: "Inbound MQTT messages dropped by the rate limiter",
		},
		[]string{"link"},
	)

	// MQTTConnected is 1 while a broker link is connected.
	MQTTConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshview_mqtt_connected",
			Help: "Whether the broker link is connected (1) or retrying (0)",
		},
		[]string{"link"},
	)

	// SensorRows tracks the number of sensor table rows.
	SensorRows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshview_sensor_rows",
			Help: "Known gas sensors",
		},
	)

	// SensorAlarms tracks how many sensors are currently alarmed.
	SensorAlarms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshview_sensor_alarms",
			Help: "Sensors currently in alarm",
		},
	)

	// TopologyNodes tracks the node count of the topology graph.
	TopologyNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshview_topology_nodes",
			Help: "Nodes in the topology graph",
		},
	)

	// TopologyLinks tracks the link count of the topology graph.
	TopologyLinks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshview_topology_links",
			Help: "Links in the topology graph",
		},
	)

	// Packets counts logged packets by type.
	Packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshview_packets_total",
			Help: "Packets added to the packet log",
		},
		[]string{"type"},
	)

	// PacketsDropped counts packets of the sentinel unknown type.
	PacketsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshview_packets_dropped_total",
			Help: "Packets dropped before logging",
		},
	)

	// MessagesRejected counts inbound payloads that could not be decoded.
	MessagesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshview_messages_rejected_total",
			Help: "Inbound payloads dropped as malformed",
		},
		[]string{"topic"},
	)

	// Animations counts started transient effects by kind and how they ended.
	Animations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshview_animations_total",
			Help: "Broadcast and unicast animations by outcome",
		},
		[]string{"kind", "reason"},
	)

	// Viewers tracks connected WebSocket viewers.
	Viewers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshview_viewers",
			Help: "Connected WebSocket viewers",
		},
	)

	// BusDropped counts events skipped for viewers whose buffer was full.
	BusDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshview_bus_dropped_total",
			Help: "Dashboard events not delivered to a slow subscriber",
		},
	)
)

func init() {
	prometheus.MustRegister(
		MQTTMessages,
		MQTTRateLimited,
		MQTTConnected,
		SensorRows,
		SensorAlarms,
		TopologyNodes,
		TopologyLinks,
		Packets,
		PacketsDropped,
		MessagesRejected,
		Animations,
		Viewers,
		BusDropped,
	)
}
