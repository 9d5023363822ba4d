// Package events provides the publish/subscribe bus that carries
// dashboard changes from the controllers (sensor table, topology graph,
// packet log, animator) to viewers (WebSocket connections, metrics).
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// controllers built without viewers do not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/meshview/internal/metrics"
)

// Source constants identify which controller published an event.
const (
	// SourceSensors identifies events from the sensor table.
	SourceSensors = "sensors"
	// SourceTopology identifies events from the topology graph and its
	// layout runner.
	SourceTopology = "topology"
	// SourcePackets identifies events from the packet log.
	SourcePackets = "packets"
	// SourceAnimation identifies transient broadcast/unicast effects.
	SourceAnimation = "animation"
	// SourceBroker identifies broker link state changes.
	SourceBroker = "broker"
)

// Kind constants describe the type of event within a source.
const (
	// KindSensorUpdated signals a created or updated sensor row.
	// Data: sensor (sensors.Sensor), created.
	KindSensorUpdated = "sensor_updated"

	// KindTopologyChanged signals a node or link was added or removed.
	// Data: topology (topology.Snapshot).
	KindTopologyChanged = "topology_changed"
	// KindPositions carries the layout positions after a simulation tick.
	// Data: positions (map node id → topology.Point).
	KindPositions = "positions"
	// KindCacheMeter signals a node's cache meter was updated.
	// Data: node, meter (topology.CacheMeter).
	KindCacheMeter = "cache_meter"

	// KindPacketLogged signals a new packet log entry.
	// Data: entry (packetlog.Entry), evicted.
	KindPacketLogged = "packet_logged"

	// KindAnimationStart signals a new broadcast or unicast effect.
	// Data: animation (topology.Frame).
	KindAnimationStart = "animation_start"
	// KindAnimationFrame carries one step of a unicast effect.
	// Data: animation (topology.Frame).
	KindAnimationFrame = "animation_frame"
	// KindAnimationEnd signals an effect was removed.
	// Data: animation (topology.Frame), reason ("done" or "cancelled").
	KindAnimationEnd = "animation_end"

	// KindLinkUp signals a broker link connected.
	// Data: link, client_id.
	KindLinkUp = "link_up"
	// KindLinkDown signals a broker link was lost.
	// Data: link, client_id, error.
	KindLinkDown = "link_down"
)

// Event represents a single dashboard change published by a controller.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the controller that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// NewEvent returns an event stamped with the current time.
func NewEvent(source, kind string, data map[string]any) Event {
	return Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	}
}

// Bus fans events out to subscribers without blocking publishers. Each
// subscriber owns a buffered channel; when it is full the event is
// skipped for that subscriber and counted as dropped.
type Bus struct {
	mu sync.RWMutex
	// subs is keyed by the receive side handed to the subscriber.
	subs    map[<-chan Event]chan Event
	dropped atomic.Uint64
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish offers e to every subscriber. A nil Bus discards it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
			metrics.BusDropped.Inc()
		}
	}
}

// Subscribe registers a subscriber with room for bufSize pending events.
// A WebSocket viewer wants a few hundred: one unicast animation alone is
// a dozen events. Pair every Subscribe with Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes ch and closes it. Unknown or already removed
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the number of skipped deliveries so far.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
