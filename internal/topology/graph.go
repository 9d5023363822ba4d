// Package topology maintains the mesh network graph: nodes and directed
// links keyed for constant-time lookup, per-node cache meters, a force
// layout that re-settles after every change, and the transient packet
// animations drawn over it.
package topology

import (
	"errors"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/nugget/meshview/internal/events"
	"github.com/nugget/meshview/internal/metrics"
)

// ErrUnknownNode is returned when an operation names a node that is not
// in the graph.
var ErrUnknownNode = errors.New("unknown node")

// Visual classes of a node, recomputed on every relayout.
const (
	ClassNormal      = "normal"
	ClassGateway     = "gateway"
	ClassUnreachable = "unreachable"
)

// Node is a mesh node. Degree is derived and overwritten on relayout.
type Node struct {
	ID      string `json:"id" validate:"required"`
	Addr    string `json:"addr" validate:"required"`
	Gateway bool   `json:"gateway,omitempty"`
	Degree  int    `json:"degree"`
}

// Label is the text drawn on the node.
func (n Node) Label() string {
	if n.Gateway && !strings.EqualFold(n.ID, "gateway") {
		return n.ID + " (gateway)"
	}
	return n.ID
}

// Class classifies the node for display.
func (n Node) Class() string {
	switch {
	case n.Gateway:
		return ClassGateway
	case n.Degree == 0:
		return ClassUnreachable
	default:
		return ClassNormal
	}
}

// Link is a directed route between two nodes, identified by the ordered
// (Source, Target) pair.
type Link struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Class  string `json:"class,omitempty"`
}

type pair struct {
	source, target string
}

// CacheMeter is the fill state of a node's content-cache indicator.
// Y and Height are in node-local pixels inside the meter frame.
type CacheMeter struct {
	Ratio  float64 `json:"ratio"`
	Y      float64 `json:"y"`
	Height float64 `json:"height"`
}

// Options sizes the graph and its layout.
type Options struct {
	Width          float64
	Height         float64
	ChargeStrength float64
	LinkDistance   float64
	NodeWidth      float64
	NodeHeight     float64
}

// Graph is the topology model. All operations are atomic with respect
// to each other; every structural change recomputes degrees, restarts
// the layout, and announces a snapshot on the bus.
type Graph struct {
	mu     sync.RWMutex
	opts   Options
	bus    *events.Bus
	logger *slog.Logger

	nodes  []*Node
	byID   map[string]*Node
	byAddr map[string]*Node
	links  []*Link
	byPair map[pair]*Link
	meters map[string]CacheMeter

	sim       *Simulation
	published map[string]Point

	handles map[string]map[*Handle]struct{}
	version uint64
}

// NewGraph creates an empty graph. bus may be nil.
func NewGraph(opts Options, bus *events.Bus, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		opts:    opts,
		bus:     bus,
		logger:  logger,
		byID:    make(map[string]*Node),
		byAddr:  make(map[string]*Node),
		byPair:  make(map[pair]*Link),
		meters:  make(map[string]CacheMeter),
		sim:     NewSimulation(opts.Width, opts.Height, opts.ChargeStrength, opts.LinkDistance),
		handles: make(map[string]map[*Handle]struct{}),
	}
}

// AddNode adds n unless a node with the same id exists. It reports
// whether the graph changed.
func (g *Graph) AddNode(n Node) bool {
	g.mu.Lock()
	if _, ok := g.byID[n.ID]; ok {
		g.mu.Unlock()
		return false
	}
	node := &Node{ID: n.ID, Addr: n.Addr, Gateway: n.Gateway}
	g.nodes = append(g.nodes, node)
	g.byID[node.ID] = node
	if node.Addr != "" {
		if _, taken := g.byAddr[node.Addr]; !taken {
			g.byAddr[node.Addr] = node
		}
	}
	g.relayoutLocked()
	g.mu.Unlock()

	g.logger.Info("node added", "node", n.ID, "addr", n.Addr, "gateway", n.Gateway)
	return true
}

// RemoveNode removes the node, every link incident to it, and its cache
// meter, and cancels every animation that references it.
func (g *Graph) RemoveNode(id string) bool {
	g.mu.Lock()
	node, ok := g.byID[id]
	if !ok {
		g.mu.Unlock()
		return false
	}

	delete(g.byID, id)
	g.nodes = slices.DeleteFunc(g.nodes, func(n *Node) bool { return n == node })
	if g.byAddr[node.Addr] == node {
		delete(g.byAddr, node.Addr)
		// Another node may share the address.
		for _, n := range g.nodes {
			if n.Addr == node.Addr {
				g.byAddr[n.Addr] = n
				break
			}
		}
	}

	g.links = slices.DeleteFunc(g.links, func(l *Link) bool {
		if l.Source == id || l.Target == id {
			delete(g.byPair, pair{l.Source, l.Target})
			return true
		}
		return false
	})
	delete(g.meters, id)

	cancelled := g.handles[id]
	delete(g.handles, id)
	g.relayoutLocked()
	g.mu.Unlock()

	for h := range cancelled {
		h.invalidate()
	}

	g.logger.Info("node removed", "node", id, "animations_cancelled", len(cancelled))
	return true
}

// AddLink adds a link from source to target. It is a no-op if the
// ordered pair already exists or either endpoint is unknown.
func (g *Graph) AddLink(source, target, class string) bool {
	g.mu.Lock()
	key := pair{source, target}
	if _, ok := g.byPair[key]; ok {
		g.mu.Unlock()
		return false
	}
	if g.byID[source] == nil || g.byID[target] == nil {
		g.mu.Unlock()
		g.logger.Debug("link for unknown node ignored", "source", source, "target", target)
		return false
	}
	link := &Link{Source: source, Target: target, Class: class}
	g.links = append(g.links, link)
	g.byPair[key] = link
	g.relayoutLocked()
	g.mu.Unlock()

	g.logger.Debug("link added", "source", source, "target", target)
	return true
}

// RemoveLink removes the link with the exact ordered pair, if present.
func (g *Graph) RemoveLink(source, target string) bool {
	g.mu.Lock()
	key := pair{source, target}
	link, ok := g.byPair[key]
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.byPair, key)
	g.links = slices.DeleteFunc(g.links, func(l *Link) bool { return l == link })
	g.relayoutLocked()
	g.mu.Unlock()

	g.logger.Debug("link removed", "source", source, "target", target)
	return true
}

// Reset removes every node and link and cancels every animation.
func (g *Graph) Reset() {
	g.mu.Lock()
	var cancelled []*Handle
	for _, hs := range g.handles {
		for h := range hs {
			cancelled = append(cancelled, h)
		}
	}
	g.nodes = nil
	g.links = nil
	clear(g.byID)
	clear(g.byAddr)
	clear(g.byPair)
	clear(g.meters)
	clear(g.handles)
	g.relayoutLocked()
	g.mu.Unlock()

	for _, h := range cancelled {
		h.invalidate()
	}
	g.logger.Info("topology reset")
}

// FindNode returns a copy of the node with the given id.
func (g *Graph) FindNode(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.byID[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// FindNodeByAddress resolves a link-layer address to a node. When
// several nodes share an address the first added wins.
func (g *Graph) FindNodeByAddress(addr string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.byAddr[addr]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// FindLink returns a copy of the link with the given ordered pair.
func (g *Graph) FindLink(source, target string) (Link, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.byPair[pair{source, target}]
	if !ok {
		return Link{}, false
	}
	return *l, true
}

// Nodes returns copies of all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = *n
	}
	return out
}

// Links returns copies of all links in insertion order.
func (g *Graph) Links() []Link {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Link, len(g.links))
	for i, l := range g.links {
		out[i] = *l
	}
	return out
}

// UpdateNodeCache sets the cache meter of the node with the given id.
// The ratio is clamped to [0, 1]. Unknown ids are ignored.
func (g *Graph) UpdateNodeCache(id string, ratio float64) (CacheMeter, bool) {
	g.mu.Lock()
	if _, ok := g.byID[id]; !ok {
		g.mu.Unlock()
		return CacheMeter{}, false
	}
	m := g.meterFor(ratio)
	g.meters[id] = m
	g.mu.Unlock()

	g.bus.Publish(events.NewEvent(events.SourceTopology, events.KindCacheMeter, map[string]any{
		"node":  id,
		"meter": m,
	}))
	return m, true
}

// meterHeight is the inner height of the meter frame: six pixels
// shorter than the node with a two-pixel border.
func (g *Graph) meterHeight() float64 {
	return g.opts.NodeHeight - 6 - 4
}

// meterFor maps a fill ratio to the meter bar inside the frame.
func (g *Graph) meterFor(ratio float64) CacheMeter {
	switch {
	case math.IsNaN(ratio) || ratio < 0:
		ratio = 0
	case ratio > 1:
		ratio = 1
	}
	maxHeight := g.meterHeight()
	y := (1 - ratio) * maxHeight
	return CacheMeter{Ratio: ratio, Y: y, Height: maxHeight - y}
}

// CacheMeter returns the node's last cache meter.
func (g *Graph) CacheMeter(id string) (CacheMeter, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.meters[id]
	return m, ok
}

// Resize adapts the layout to a new viewport and reheats it.
func (g *Graph) Resize(width, height float64) {
	g.mu.Lock()
	g.sim.Resize(width, height)
	g.relayoutLocked()
	g.mu.Unlock()
	g.logger.Debug("topology viewport resized", "width", width, "height", height)
}

// Position returns the layout position of a node.
func (g *Graph) Position(id string) (Point, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sim.Position(id)
}

// Tick advances the layout one step and returns the positions if any
// node moved more than epsilon since they were last returned.
func (g *Graph) Tick(epsilon float64) (map[string]Point, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sim.Tick()
	current := g.sim.Positions()
	if !moved(g.published, current, epsilon) {
		return nil, false
	}
	g.published = current
	out := make(map[string]Point, len(current))
	for id, p := range current {
		out[id] = p
	}
	return out, true
}

func moved(prev, cur map[string]Point, epsilon float64) bool {
	if len(prev) != len(cur) {
		return true
	}
	for id, p := range cur {
		q, ok := prev[id]
		if !ok || math.Abs(p.X-q.X) > epsilon || math.Abs(p.Y-q.Y) > epsilon {
			return true
		}
	}
	return false
}

// relayoutLocked recomputes degrees, feeds the simulation, restarts it,
// and announces the new snapshot. Caller holds g.mu.
func (g *Graph) relayoutLocked() {
	for _, n := range g.nodes {
		n.Degree = 0
	}
	links := make([]Link, len(g.links))
	for i, l := range g.links {
		g.byID[l.Source].Degree++
		g.byID[l.Target].Degree++
		links[i] = *l
	}

	ids := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		ids[i] = n.ID
	}
	g.sim.SetNodes(ids)
	g.sim.SetLinks(links)
	g.sim.Restart()

	metrics.TopologyNodes.Set(float64(len(g.nodes)))
	metrics.TopologyLinks.Set(float64(len(g.links)))

	// Published under the lock so every subscriber sees versions in order.
	g.version++
	g.bus.Publish(events.NewEvent(events.SourceTopology, events.KindTopologyChanged, map[string]any{
		"topology": g.snapshotLocked(),
	}))
}

// track registers an animation handle against the nodes it references
// so removing any of them invalidates it. It fails if a node is unknown.
func (g *Graph) track(h *Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range h.nodes() {
		if _, ok := g.byID[id]; !ok {
			return ErrUnknownNode
		}
	}
	for _, id := range h.nodes() {
		hs := g.handles[id]
		if hs == nil {
			hs = make(map[*Handle]struct{})
			g.handles[id] = hs
		}
		hs[h] = struct{}{}
	}
	return nil
}

// release unregisters a finished animation handle.
func (g *Graph) release(h *Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range h.nodes() {
		if hs := g.handles[id]; hs != nil {
			delete(hs, h)
			if len(hs) == 0 {
				delete(g.handles, id)
			}
		}
	}
}

// NodeView is a node as drawn by viewers.
type NodeView struct {
	Node
	Label string      `json:"label"`
	Class string      `json:"class"`
	Style string      `json:"style"`
	Pos   Point       `json:"pos"`
	Meter *CacheMeter `json:"meter,omitempty"`
}

// LinkView is a link as drawn by viewers.
type LinkView struct {
	Link
	Style string `json:"style"`
}

// Snapshot is the full drawable state of the graph.
type Snapshot struct {
	// Version increases with every announced change.
	Version uint64  `json:"version"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	// MeterHeight is the full height of every cache meter bar.
	MeterHeight float64    `json:"meter_height"`
	Nodes       []NodeView `json:"nodes"`
	Links       []LinkView `json:"links"`
}

// Snapshot returns the drawable state of the graph.
func (g *Graph) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshotLocked()
}

func (g *Graph) snapshotLocked() Snapshot {
	w, h := g.sim.Size()
	snap := Snapshot{
		Version:     g.version,
		Width:       w,
		Height:      h,
		MeterHeight: g.meterHeight(),
		Nodes:       make([]NodeView, 0, len(g.nodes)),
		Links:       make([]LinkView, 0, len(g.links)),
	}
	for _, n := range g.nodes {
		v := NodeView{
			Node:  *n,
			Label: n.Label(),
			Class: n.Class(),
			Style: nodeStyle(n.Class()),
		}
		v.Pos, _ = g.sim.Position(n.ID)
		if m, ok := g.meters[n.ID]; ok {
			v.Meter = &m
		}
		snap.Nodes = append(snap.Nodes, v)
	}
	for _, l := range g.links {
		snap.Links = append(snap.Links, LinkView{Link: *l, Style: linkStyle(l.Class)})
	}
	return snap
}

func nodeStyle(class string) string {
	if class == ClassNormal {
		return "node"
	}
	return "node " + class
}

func linkStyle(class string) string {
	class = strings.TrimSpace(class)
	if class == "" {
		return "link"
	}
	return "link " + class
}
