// Package web serves the meshview dashboard: the HTML page, the JSON
// API, and the WebSocket feed that pushes every model change to
// connected viewers.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/meshview/internal/archive"
	"github.com/nugget/meshview/internal/config"
	"github.com/nugget/meshview/internal/connwatch"
	"github.com/nugget/meshview/internal/events"
	"github.com/nugget/meshview/internal/packetlog"
	"github.com/nugget/meshview/internal/sensors"
	"github.com/nugget/meshview/internal/topology"
)

// HistoryStore is the packet archive behind /api/packets/history.
type HistoryStore interface {
	History(ctx context.Context, q archive.Query) ([]packetlog.Entry, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// LinkStatus reports broker link health for /health.
type LinkStatus interface {
	Status() map[string]connwatch.ServiceStatus
	Healthy() bool
}

// Config holds the dependencies of a [Server]. Sensors, Graph and
// Packets are required; the rest are optional.
type Config struct {
	Address string
	Port    int

	Sensors *sensors.Table
	Graph   *topology.Graph
	Packets *packetlog.Log
	History HistoryStore
	Links   LinkStatus
	Bus     *events.Bus

	Auth config.AuthConfig

	// PublicURL is encoded by /qr.png. Empty derives it from the
	// request host.
	PublicURL string

	Logger *slog.Logger
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg    Config
	page   *template.Template
	hub    *hub
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a dashboard server. Templates are parsed here so a
// broken template fails at startup.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.New()
	}
	s := &Server{
		cfg:    cfg,
		page:   parsePage(),
		logger: cfg.Logger,
	}
	s.hub = newHub(s, cfg.Logger)
	return s
}

// Handler returns the routed, logged and (when configured)
// authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Dashboard
	mux.HandleFunc("GET /", s.handleDashboard)
	mux.Handle("GET /static/", staticHandler())
	mux.HandleFunc("GET /ws", s.hub.serveWS)
	mux.HandleFunc("GET /qr.png", s.handleQR)

	// Model
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/sensors", s.handleSensors)
	mux.HandleFunc("GET /api/topology", s.handleTopology)
	mux.HandleFunc("GET /api/packets", s.handlePackets)
	mux.HandleFunc("GET /api/packets/history", s.handlePacketHistory)
	mux.HandleFunc("DELETE /api/packets/history", s.handleClearHistory)
	mux.HandleFunc("DELETE /api/nodes/{id}", s.handleRemoveNode)
	mux.HandleFunc("POST /api/topology/reset", s.handleResetTopology)

	// Operations
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withLogging(s.withAuth(mux))
}

// Start serves HTTP until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting dashboard server", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withAuth enforces HTTP basic auth when configured. /health and
// /metrics stay open for probes and scrapers.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if !s.cfg.Auth.Configured() {
		return next
	}
	user := []byte(s.cfg.Auth.Username)
	hash := []byte(s.cfg.Auth.PasswordHash)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), user) != 1 ||
			bcrypt.CompareHashAndPassword(hash, []byte(p)) != nil {
			s.logger.Debug("dashboard auth rejected", "path", r.URL.Path, "user", u)
			w.Header().Set("WWW-Authenticate", `Basic realm="meshview"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
