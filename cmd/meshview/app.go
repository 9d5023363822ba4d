package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nugget/meshview/internal/archive"
	"github.com/nugget/meshview/internal/config"
	"github.com/nugget/meshview/internal/connwatch"
	"github.com/nugget/meshview/internal/events"
	"github.com/nugget/meshview/internal/mqtt"
	"github.com/nugget/meshview/internal/packetlog"
	"github.com/nugget/meshview/internal/sensors"
	"github.com/nugget/meshview/internal/sniffer"
	"github.com/nugget/meshview/internal/topology"
	"github.com/nugget/meshview/internal/web"
)

// app is a fully wired dashboard: the shared model, both broker links
// feeding it, and the server presenting it.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus

	sensors  *sensors.Table
	graph    *topology.Graph
	animator *topology.Animator
	runner   *topology.Runner
	packets  *packetlog.Log
	archive  *archive.Store // nil unless configured

	sensorHandler *sensors.Handler
	router        *sniffer.Router

	dashboard *mqtt.Client
	sniffer   *mqtt.Client
	links     *connwatch.Manager
	server    *web.Server
}

// newApp builds every component from cfg without starting anything.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		bus:    events.New(),
		links:  connwatch.NewManager(logger.With("component", "connwatch")),
	}

	a.sensors = sensors.NewTable(sensors.Thresholds{
		On:  cfg.Sensors.AlarmOn,
		Off: cfg.Sensors.AlarmOff,
	})
	a.sensorHandler = sensors.NewHandler(a.sensors, a.bus, logger.With("component", "sensors"))

	tc := cfg.Topology
	a.graph = topology.NewGraph(topology.Options{
		Width:          tc.Width,
		Height:         tc.Height,
		ChargeStrength: tc.ChargeStrength,
		LinkDistance:   tc.LinkDistance,
		NodeWidth:      tc.NodeWidth,
		NodeHeight:     tc.NodeHeight,
	}, a.bus, logger.With("component", "topology"))
	a.animator = topology.NewAnimator(a.graph, topology.AnimatorOptions{
		UnicastSteps:    tc.UnicastSteps,
		UnicastInterval: time.Duration(tc.UnicastIntervalMs) * time.Millisecond,
		BroadcastTTL:    time.Duration(tc.BroadcastMs) * time.Millisecond,
	}, a.bus, logger.With("component", "animation"))
	a.runner = topology.NewRunner(a.graph, time.Duration(tc.TickIntervalMs)*time.Millisecond,
		a.bus, logger.With("component", "layout"))

	plc := packetlog.Config{
		ViewportHeight: cfg.PacketLog.ViewportHeight,
		EntryHeight:    cfg.PacketLog.EntryHeight,
		Resolver:       a.graph,
		Animator:       a.animator,
		Bus:            a.bus,
		Logger:         logger.With("component", "packetlog"),
	}
	webCfg := web.Config{
		Address:   cfg.Listen.Address,
		Port:      cfg.Listen.Port,
		Sensors:   a.sensors,
		Graph:     a.graph,
		Links:     a.links,
		Bus:       a.bus,
		Auth:      cfg.Auth,
		PublicURL: cfg.Listen.PublicURL,
		Logger:    logger.With("component", "web"),
	}
	if cfg.Archive.Configured() {
		if err := os.MkdirAll(filepath.Dir(cfg.Archive.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
		store, err := archive.NewStore(cfg.Archive.Path, cfg.Archive.Retain)
		if err != nil {
			return nil, fmt.Errorf("open packet archive: %w", err)
		}
		a.archive = store
		plc.Sink = store
		webCfg.History = store
		logger.Info("packet archive enabled", "path", cfg.Archive.Path, "retain", cfg.Archive.Retain)
	}
	a.packets = packetlog.New(plc)
	webCfg.Packets = a.packets

	a.router = sniffer.NewRouter(cfg.MQTT.Sniffer.Topic, a.graph, a.packets, logger.With("component", "sniffer"))

	a.dashboard = mqtt.NewClient("dashboard", cfg.MQTT, cfg.MQTT.Dashboard,
		a.sensorHandler.HandleMessage, a.bus, logger.With("component", "mqtt"))
	a.sniffer = mqtt.NewClient("sniffer", cfg.MQTT, cfg.MQTT.Sniffer,
		a.router.HandleMessage, a.bus, logger.With("component", "mqtt"))

	a.server = web.NewServer(webCfg)
	return a, nil
}

// run starts the links, the layout runner and the server, and blocks
// until ctx is cancelled or the server fails. Everything is torn down
// before it returns.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, c := range []*mqtt.Client{a.dashboard, a.sniffer} {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start %s link: %w", c.Name(), err)
		}
		a.links.Watch(ctx, connwatch.WatcherConfig{
			Name:     c.Name(),
			Probe:    c.AwaitConnection,
			Interval: a.cfg.MQTT.RetryInterval(),
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.runner.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err = <-serverErr:
		if err != nil {
			err = fmt.Errorf("dashboard server: %w", err)
		}
	}
	cancel()

	a.shutdown()
	wg.Wait()
	return err
}

// shutdown stops the server and links, then closes the archive.
func (a *app) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("dashboard server shutdown failed", "error", err)
	}
	for _, c := range []*mqtt.Client{a.dashboard, a.sniffer} {
		if err := c.Stop(shutdownCtx); err != nil {
			a.logger.Error("mqtt shutdown failed", "link", c.Name(), "error", err)
		}
	}
	a.links.Stop()
	a.animator.Close()
	a.close()
	a.logger.Info("meshview stopped")
}

// close releases the archive, if any.
func (a *app) close() {
	if a.archive == nil {
		return
	}
	if err := a.archive.Close(); err != nil {
		a.logger.Error("packet archive close failed", "error", err)
	}
	a.archive = nil
}
