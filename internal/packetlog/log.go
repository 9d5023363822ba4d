// Package packetlog keeps the bounded, newest-first log of packets seen
// by the sniffer and triggers the topology animation for each one.
package packetlog

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/meshview/internal/events"
	"github.com/nugget/meshview/internal/metrics"
	"github.com/nugget/meshview/internal/topology"
)

// TypeUnknown marks packets the sniffer could not decode. They are
// dropped before logging.
const TypeUnknown = "unknown"

// BroadcastAddr is the destination of link-layer broadcasts.
const BroadcastAddr = "broadcast"

// styles maps packet types to display styles.
var styles = map[string]string{
	"data":     "primary",
	"interest": "warning",
	"pam":      "success",
	"nam":      "danger",
	"sol":      "info",
}

// Style returns the display style of a packet type.
func Style(pktType string) string {
	if s, ok := styles[pktType]; ok {
		return s
	}
	return "secondary"
}

// Packet is one sniffed packet as published on the packet topic.
type Packet struct {
	Type  string `json:"type" validate:"required"`
	Src   string `json:"src"`
	Dst   string `json:"dst"`
	Label string `json:"label,omitempty"`
	Time  string `json:"time"`
}

// IsBroadcast reports whether the packet was sent to every neighbor.
func (p Packet) IsBroadcast() bool {
	return strings.EqualFold(p.Dst, BroadcastAddr)
}

// Entry is a logged packet annotated with resolved node ids.
type Entry struct {
	Seq uint64 `json:"seq"`
	Packet
	Style    string    `json:"style"`
	SrcNode  string    `json:"src_node,omitempty"`
	DstNode  string    `json:"dst_node,omitempty"`
	Received time.Time `json:"received"`
}

// SrcLabel is the source address with the resolved node id, if any.
func (e Entry) SrcLabel() string { return annotate(e.Src, e.SrcNode) }

// DstLabel is the destination address with the resolved node id, if any.
func (e Entry) DstLabel() string { return annotate(e.Dst, e.DstNode) }

func annotate(addr, id string) string {
	if id == "" {
		return addr
	}
	return addr + " (" + id + ")"
}

// Resolver maps link-layer addresses to graph nodes.
type Resolver interface {
	FindNodeByAddress(addr string) (topology.Node, bool)
}

// Animator draws packet transmissions on the topology view.
type Animator interface {
	Broadcast(source, pktType string) (*topology.Handle, error)
	Unicast(source, target, pktType string) (*topology.Handle, error)
}

// Sink receives every logged entry, e.g. a persistent archive.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Config configures a [Log].
type Config struct {
	// ViewportHeight and EntryHeight estimate the rendered height of
	// the log in pixels. Entries beyond the viewport are evicted.
	ViewportHeight int
	EntryHeight    int

	Resolver Resolver
	Animator Animator // optional
	Sink     Sink     // optional
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Log is the packet log. Safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	cfg     Config
	entries []Entry // newest first
	seq     uint64
	now     func() time.Time
}

// New creates an empty packet log.
func New(cfg Config) *Log {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EntryHeight < 1 {
		cfg.EntryHeight = 1
	}
	return &Log{cfg: cfg, now: time.Now}
}

// Add logs a packet. Packets of [TypeUnknown] are dropped and Add
// reports false. After logging, a broadcast from a known source starts
// a broadcast animation; otherwise, when both endpoints resolve, a
// unicast animation runs from source to destination.
func (l *Log) Add(pkt Packet) (Entry, bool) {
	if pkt.Type == TypeUnknown {
		metrics.PacketsDropped.Inc()
		l.cfg.Logger.Debug("unknown packet dropped", "src", pkt.Src, "dst", pkt.Dst)
		return Entry{}, false
	}

	entry := Entry{Packet: pkt, Style: Style(pkt.Type), Received: l.now()}
	src, srcOK := l.cfg.Resolver.FindNodeByAddress(pkt.Src)
	if srcOK {
		entry.SrcNode = src.ID
	}
	dst, dstOK := l.cfg.Resolver.FindNodeByAddress(pkt.Dst)
	if dstOK {
		entry.DstNode = dst.ID
	}

	l.mu.Lock()
	l.seq++
	entry.Seq = l.seq
	l.entries = append([]Entry{entry}, l.entries...)
	evicted := l.evictLocked()
	l.mu.Unlock()

	metrics.Packets.WithLabelValues(pkt.Type).Inc()
	l.cfg.Logger.Debug("packet logged",
		"type", pkt.Type,
		"src", entry.SrcLabel(),
		"dst", entry.DstLabel(),
		"evicted", evicted,
	)
	l.cfg.Bus.Publish(events.NewEvent(events.SourcePackets, events.KindPacketLogged, map[string]any{
		"entry":   entry,
		"evicted": evicted,
	}))

	if l.cfg.Sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := l.cfg.Sink.Record(ctx, entry); err != nil {
			l.cfg.Logger.Warn("packet archive write failed", "seq", entry.Seq, "error", err)
		}
		cancel()
	}

	l.animate(entry, srcOK, dstOK)
	return entry, true
}

func (l *Log) animate(e Entry, srcOK, dstOK bool) {
	if l.cfg.Animator == nil {
		return
	}
	var err error
	switch {
	case srcOK && e.IsBroadcast():
		_, err = l.cfg.Animator.Broadcast(e.SrcNode, e.Type)
	case srcOK && dstOK:
		_, err = l.cfg.Animator.Unicast(e.SrcNode, e.DstNode, e.Type)
	}
	if err != nil {
		// The node was removed between resolution and animation.
		l.cfg.Logger.Debug("packet animation skipped", "seq", e.Seq, "error", err)
	}
}

// evictLocked drops the oldest entries while the estimated rendered
// height exceeds the viewport. Caller holds l.mu.
func (l *Log) evictLocked() int {
	limit := max(l.cfg.ViewportHeight/l.cfg.EntryHeight, 0)
	if len(l.entries) <= limit {
		return 0
	}
	n := len(l.entries) - limit
	clear(l.entries[limit:])
	l.entries = l.entries[:limit]
	return n
}

// SetViewportHeight resizes the viewport and evicts entries that no
// longer fit.
func (l *Log) SetViewportHeight(h int) int {
	if h <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.ViewportHeight = h
	return l.evictLocked()
}

// Entries returns the logged entries, newest first.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Height returns the estimated rendered height of the log.
func (l *Log) Height() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries) * l.cfg.EntryHeight
}

// ViewportHeight returns the current viewport height.
func (l *Log) ViewportHeight() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.ViewportHeight
}
