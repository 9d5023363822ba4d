// Package connwatch reports the health of meshview's broker links for
// the /health endpoint.
//
// Every watched link is probed at a fixed interval, starting
// immediately. The interval never grows: the links reconnect on their
// own fixed schedule, so the manager only records what it sees.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a link is up. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Default timings.
const (
	DefaultInterval     = 5 * time.Second
	DefaultProbeTimeout = 2 * time.Second
)

// WatcherConfig describes one link to watch.
type WatcherConfig struct {
	// Name identifies the link in logs and status output, e.g.
	// "dashboard".
	Name string

	// Probe checks link health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Interval is the fixed delay between probes.
	Interval time.Duration

	// ProbeTimeout bounds each probe.
	ProbeTimeout time.Duration
}

// ServiceStatus is the last observed state of a link.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Manager probes a set of links and keeps their latest status.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	links   map[string]*ServiceStatus
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager returns an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger,
		links:  make(map[string]*ServiceStatus),
	}
}

// Watch starts probing a link in the background until ctx is cancelled
// or Stop is called. It panics on an empty Name or nil Probe.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.links[cfg.Name] = &ServiceStatus{Name: cfg.Name}
	m.cancels = append(m.cancels, cancel)
	m.wg.Add(1)
	m.mu.Unlock()

	go m.poll(ctx, cfg)
}

func (m *Manager) poll(ctx context.Context, cfg WatcherConfig) {
	defer m.wg.Done()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		m.observe(ctx, cfg)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// observe runs one probe and records the outcome. Results of probes cut
// short by shutdown are discarded.
func (m *Manager) observe(ctx context.Context, cfg WatcherConfig) {
	probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	err := cfg.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	now := time.Now()
	m.mu.Lock()
	st := m.links[cfg.Name]
	wasReady, first := st.Ready, st.Since.IsZero()
	st.Ready = err == nil
	st.LastCheck = now
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	if first || wasReady != st.Ready {
		st.Since = now
	}
	m.mu.Unlock()

	log := m.logger.With("link", cfg.Name)
	switch {
	case err == nil && !wasReady:
		log.Info("link ready")
	case err != nil && wasReady:
		log.Info("link became unreachable", "error", err)
	case err != nil:
		log.Debug("link still unreachable", "next_check", cfg.Interval.String(), "error", err)
	}
}

// Status returns a copy of every link's latest status keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ServiceStatus, len(m.links))
	for name, st := range m.links {
		out[name] = *st
	}
	return out
}

// Healthy reports whether every watched link is up.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.links {
		if !st.Ready {
			return false
		}
	}
	return true
}

// Stop cancels every probe loop and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	m.wg.Wait()
}
