package web

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/meshview/internal/buildinfo"
	"github.com/nugget/meshview/internal/packetlog"
	"github.com/nugget/meshview/internal/sensors"
	"github.com/nugget/meshview/internal/topology"
)

//go:embed templates/*.html
var templateFiles embed.FS

//go:embed static/*
var staticFiles embed.FS

// templateFuncs are the helpers the dashboard templates call.
var templateFuncs = template.FuncMap{
	"formatDuration": formatDuration,
	"clock":          clock,
	"reading":        reading,
}

// parsePage parses the layout with the dashboard's content block. It
// panics on a template error so a broken build fails at startup.
func parsePage() *template.Template {
	return template.Must(template.New("layout.html").Funcs(templateFuncs).
		ParseFS(templateFiles, "templates/layout.html", "templates/dashboard.html"))
}

// staticHandler serves the embedded scripts and styles under /static/.
func staticHandler() http.Handler {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

// DashboardData is the template context for the dashboard page. The
// page renders the current model server side; the script then keeps it
// current from /ws.
type DashboardData struct {
	Version  string
	Uptime   time.Duration
	Sensors  []sensors.Sensor
	Topology topology.Snapshot
	Packets  []packetlog.Entry
	LogLimit int
}

// handleDashboard renders the dashboard at "/". Only exact "/" requests
// get the page; all other paths return 404.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	snap := s.snapshot()
	s.render(w, DashboardData{
		Version:  buildinfo.Version,
		Uptime:   buildinfo.Uptime(),
		Sensors:  snap.Sensors,
		Topology: snap.Topology,
		Packets:  snap.Packets,
		LogLimit: s.cfg.Packets.ViewportHeight(),
	})
}

// render writes the page for data, logging rather than returning
// execution errors since the header is already sent.
func (s *Server) render(w http.ResponseWriter, data DashboardData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, data); err != nil {
		s.logger.Error("dashboard render failed", "error", err)
	}
}

// formatDuration renders an uptime with its two largest units.
func formatDuration(d time.Duration) string {
	secs := int(d.Seconds())
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", secs)
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", secs/3600, secs/60%60)
	}
	return fmt.Sprintf("%dd %dh", secs/86400, secs/3600%24)
}

// clock renders a timestamp as local wall-clock time.
func clock(t time.Time) string {
	if t.IsZero() {
		return "—"
	}
	return t.Local().Format("15:04:05")
}

// reading renders a sensor value, falling back to the raw payload text
// when it was not an integer.
func reading(s sensors.Sensor) string {
	if !s.Valid {
		return s.Raw
	}
	return strconv.Itoa(s.Value)
}
