package topology

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/meshview/internal/config"
	"github.com/nugget/meshview/internal/events"
	"github.com/nugget/meshview/internal/metrics"
)

// Animation kinds.
const (
	KindBroadcast = "broadcast"
	KindUnicast   = "unicast"
)

// Reasons an animation ends.
const (
	ReasonDone      = "done"
	ReasonCancelled = "cancelled"
)

var animationSeq atomic.Uint64

// Handle identifies a running animation. It is invalidated when any
// node it references is removed from the graph or the animator closes.
type Handle struct {
	ID     uint64
	Kind   string
	Source string
	Target string

	once sync.Once
	done chan struct{}
}

func newHandle(kind, source, target string) *Handle {
	return &Handle{
		ID:     animationSeq.Add(1),
		Kind:   kind,
		Source: source,
		Target: target,
		done:   make(chan struct{}),
	}
}

// Valid reports whether the animation may still draw.
func (h *Handle) Valid() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed when the handle is invalidated.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) invalidate() {
	h.once.Do(func() { close(h.done) })
}

func (h *Handle) nodes() []string {
	if h.Target == "" {
		return []string{h.Source}
	}
	return []string{h.Source, h.Target}
}

// Frame is one drawable state of an animation.
type Frame struct {
	ID     uint64 `json:"id"`
	Kind   string `json:"kind"`
	Type   string `json:"type,omitempty"`
	Source string `json:"source"`
	Target string `json:"target,omitempty"`
	Step   int    `json:"step"`
	Steps  int    `json:"steps"`
	Pos    Point  `json:"pos"`
}

// AnimatorOptions sets the animation timing.
type AnimatorOptions struct {
	UnicastSteps    int
	UnicastInterval time.Duration
	BroadcastTTL    time.Duration
}

// Animator runs broadcast pulses and unicast dots over a [Graph]. Each
// animation runs on its own goroutine and publishes its frames on the
// bus.
type Animator struct {
	graph  *Graph
	bus    *events.Bus
	logger *slog.Logger
	opts   AnimatorOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAnimator creates an animator for g. bus may be nil.
func NewAnimator(g *Graph, opts AnimatorOptions, bus *events.Bus, logger *slog.Logger) *Animator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.UnicastSteps < 1 {
		opts.UnicastSteps = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Animator{
		graph:  g,
		bus:    bus,
		logger: logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Broadcast draws a pulse at source that disappears after the
// broadcast TTL.
func (a *Animator) Broadcast(source, pktType string) (*Handle, error) {
	h := newHandle(KindBroadcast, source, "")
	if err := a.graph.track(h); err != nil {
		return nil, err
	}
	pos, _ := a.graph.Position(source)
	frame := Frame{ID: h.ID, Kind: KindBroadcast, Type: pktType, Source: source, Pos: pos}
	a.publish(events.KindAnimationStart, frame, "")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.graph.release(h)

		timer := time.NewTimer(a.opts.BroadcastTTL)
		defer timer.Stop()

		reason := ReasonDone
		select {
		case <-timer.C:
		case <-h.done:
			reason = ReasonCancelled
		case <-a.ctx.Done():
			reason = ReasonCancelled
		}
		h.invalidate()
		a.finish(frame, reason)
	}()

	return h, nil
}

// Unicast moves a dot from source to target in a fixed number of
// steps, interpolating linearly between the nodes' live positions.
func (a *Animator) Unicast(source, target, pktType string) (*Handle, error) {
	h := newHandle(KindUnicast, source, target)
	if err := a.graph.track(h); err != nil {
		return nil, err
	}
	steps := a.opts.UnicastSteps
	from, _ := a.graph.Position(source)
	frame := Frame{
		ID:     h.ID,
		Kind:   KindUnicast,
		Type:   pktType,
		Source: source,
		Target: target,
		Steps:  steps,
		Pos:    from,
	}
	a.publish(events.KindAnimationStart, frame, "")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.graph.release(h)

		ticker := time.NewTicker(a.opts.UnicastInterval)
		defer ticker.Stop()

		reason := ReasonDone
	loop:
		for frame.Step < steps {
			select {
			case <-ticker.C:
			case <-h.done:
				reason = ReasonCancelled
				break loop
			case <-a.ctx.Done():
				reason = ReasonCancelled
				break loop
			}

			src, ok1 := a.graph.Position(source)
			dst, ok2 := a.graph.Position(target)
			if !ok1 || !ok2 || !h.Valid() {
				reason = ReasonCancelled
				break
			}
			frame.Step++
			t := float64(frame.Step) / float64(steps)
			frame.Pos = Point{
				X: src.X + t*(dst.X-src.X),
				Y: src.Y + t*(dst.Y-src.Y),
			}
			a.publish(events.KindAnimationFrame, frame, "")
		}
		h.invalidate()
		a.finish(frame, reason)
	}()

	return h, nil
}

func (a *Animator) finish(frame Frame, reason string) {
	metrics.Animations.WithLabelValues(frame.Kind, reason).Inc()
	a.logger.Log(a.ctx, config.LevelTrace, "animation ended",
		"id", frame.ID, "kind", frame.Kind, "source", frame.Source,
		"target", frame.Target, "reason", reason)
	a.publish(events.KindAnimationEnd, frame, reason)
}

func (a *Animator) publish(kind string, frame Frame, reason string) {
	data := map[string]any{"animation": frame}
	if reason != "" {
		data["reason"] = reason
	}
	a.bus.Publish(events.NewEvent(events.SourceAnimation, kind, data))
}

// Close cancels every running animation and waits for them to end.
func (a *Animator) Close() {
	a.cancel()
	a.wg.Wait()
}

// Wait blocks until every running animation has ended.
func (a *Animator) Wait() {
	a.wg.Wait()
}
