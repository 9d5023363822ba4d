package topology

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/meshview/internal/events"
)

// DefaultEpsilon is the smallest movement, in pixels, that makes the
// runner publish positions.
const DefaultEpsilon = 0.5

// Runner ticks a graph's layout at a fixed interval and publishes the
// positions to viewers whenever the layout moved.
type Runner struct {
	graph    *Graph
	bus      *events.Bus
	interval time.Duration
	epsilon  float64
	logger   *slog.Logger
}

// NewRunner creates a layout runner. bus may be nil.
func NewRunner(g *Graph, interval time.Duration, bus *events.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		graph:    g,
		bus:      bus,
		interval: interval,
		epsilon:  DefaultEpsilon,
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("layout runner started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("layout runner stopped")
			return
		case <-ticker.C:
			positions, ok := r.graph.Tick(r.epsilon)
			if !ok {
				continue
			}
			r.bus.Publish(events.NewEvent(events.SourceTopology, events.KindPositions, map[string]any{
				"positions": positions,
			}))
		}
	}
}
