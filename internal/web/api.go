package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/skip2/go-qrcode"

	"github.com/nugget/meshview/internal/archive"
	"github.com/nugget/meshview/internal/buildinfo"
	"github.com/nugget/meshview/internal/connwatch"
	"github.com/nugget/meshview/internal/packetlog"
	"github.com/nugget/meshview/internal/sensors"
	"github.com/nugget/meshview/internal/topology"
)

// Snapshot is the full dashboard state sent to a viewer on connect and
// served by /api/snapshot.
type Snapshot struct {
	Sensors  []sensors.Sensor                   `json:"sensors"`
	Topology topology.Snapshot                  `json:"topology"`
	Packets  []packetlog.Entry                  `json:"packets"`
	Links    map[string]connwatch.ServiceStatus `json:"links,omitempty"`
}

func (s *Server) snapshot() Snapshot {
	snap := Snapshot{
		Sensors:  s.cfg.Sensors.Rows(),
		Topology: s.cfg.Graph.Snapshot(),
		Packets:  s.cfg.Packets.Entries(),
	}
	if s.cfg.Links != nil {
		snap.Links = s.cfg.Links.Status()
	}
	return snap
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.snapshot(), s.logger)
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfg.Sensors.Rows(), s.logger)
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfg.Graph.Snapshot(), s.logger)
}

func (s *Server) handlePackets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfg.Packets.Entries(), s.logger)
}

func (s *Server) handlePacketHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "packet archive not configured")
		return
	}

	q := archive.Query{
		Type:  r.URL.Query().Get("type"),
		Node:  r.URL.Query().Get("node"),
		Limit: parseIntParam(r, "limit", 100),
	}
	entries, err := s.cfg.History.History(r.Context(), q)
	if err != nil {
		s.logger.Error("packet history query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, entries, s.logger)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "packet archive not configured")
		return
	}
	if err := s.cfg.History.Clear(r.Context()); err != nil {
		s.logger.Error("packet history clear failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "history clear failed")
		return
	}
	s.logger.Info("packet history cleared by viewer")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.cfg.Graph.RemoveNode(id) {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("node %q not found", id))
		return
	}
	s.logger.Info("node removed by viewer", "node", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetTopology(w http.ResponseWriter, r *http.Request) {
	s.cfg.Graph.Reset()
	s.logger.Info("topology reset by viewer")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var links map[string]connwatch.ServiceStatus
	if s.cfg.Links != nil {
		links = s.cfg.Links.Status()
		if !s.cfg.Links.Healthy() {
			status = "degraded"
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
	body := map[string]any{
		"status": status,
		"links":  links,
	}
	if s.cfg.History != nil {
		if n, err := s.cfg.History.Count(r.Context()); err == nil {
			body["archived"] = n
		} else {
			s.logger.Warn("packet archive count failed", "error", err)
		}
	}
	writeJSON(w, body, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleQR renders the dashboard URL as a PNG QR code so phones can
// open it from a wall display.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	target := s.cfg.PublicURL
	if target == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		target = scheme + "://" + r.Host + "/"
	}
	png, err := qrcode.Encode(target, qrcode.Medium, min(parseIntParam(r, "size", 256), 1024))
	if err != nil {
		s.logger.Warn("qr code encode failed", "url", target, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "qr encode failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("failed to write qr code", "error", err)
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
