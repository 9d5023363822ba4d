package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/html"

	"github.com/nugget/meshview/internal/archive"
	"github.com/nugget/meshview/internal/buildinfo"
	"github.com/nugget/meshview/internal/config"
	"github.com/nugget/meshview/internal/connwatch"
	"github.com/nugget/meshview/internal/events"
	"github.com/nugget/meshview/internal/packetlog"
	"github.com/nugget/meshview/internal/sensors"
	"github.com/nugget/meshview/internal/topology"
)

type fixture struct {
	bus     *events.Bus
	table   *sensors.Table
	graph   *topology.Graph
	packets *packetlog.Log
	srv     *Server
	handler http.Handler
}

type fakeLinks struct {
	healthy bool
}

func (f fakeLinks) Status() map[string]connwatch.ServiceStatus {
	return map[string]connwatch.ServiceStatus{
		"dashboard": {Name: "dashboard", Ready: f.healthy},
	}
}

func (f fakeLinks) Healthy() bool { return f.healthy }

type fakeHistory struct {
	got     archive.Query
	entries []packetlog.Entry
	cleared bool
	err     error
}

func (f *fakeHistory) History(_ context.Context, q archive.Query) ([]packetlog.Entry, error) {
	f.got = q
	return f.entries, f.err
}

func (f *fakeHistory) Count(context.Context) (int, error) { return len(f.entries), f.err }

func (f *fakeHistory) Clear(context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.cleared = true
	f.entries = nil
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture builds a server over a real model with two nodes, one
// link, one alarmed sensor and one logged packet.
func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	logger := discardLogger()
	bus := events.New()

	table := sensors.NewTable(sensors.Thresholds{On: -5160, Off: -5160})
	table.Update("room1", []byte("-6000"), time.Now())

	graph := topology.NewGraph(topology.Options{
		Width: 1200, Height: 800,
		ChargeStrength: -3000, LinkDistance: 200,
		NodeWidth: 180, NodeHeight: 25,
	}, bus, logger)
	graph.AddNode(topology.Node{ID: "A", Addr: "00:01"})
	graph.AddNode(topology.Node{ID: "B", Addr: "00:02", Gateway: true})
	graph.AddLink("A", "B", "")

	packets := packetlog.New(packetlog.Config{
		ViewportHeight: 1080,
		EntryHeight:    96,
		Resolver:       graph,
		Bus:            bus,
		Logger:         logger,
	})
	packets.Add(packetlog.Packet{Type: "data", Src: "00:01", Dst: "00:02", Label: "/haw/gas", Time: "12:00:00"})

	cfg := Config{
		Sensors: table,
		Graph:   graph,
		Packets: packets,
		Bus:     bus,
		Logger:  logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg)
	return &fixture{
		bus:     bus,
		table:   table,
		graph:   graph,
		packets: packets,
		srv:     srv,
		handler: srv.Handler(),
	}
}

func (f *fixture) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

// findAll collects every element node matching pred.
func findAll(n *html.Node, pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	if n.Type == html.ElementNode && pred(n) {
		out = append(out, n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, findAll(c, pred)...)
	}
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

func TestDashboard_FullPage(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do("GET", "/")
	if w.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want %d", w.Code, http.StatusOK)
	}

	doc, err := html.Parse(w.Body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if navs := findAll(doc, func(n *html.Node) bool { return n.Data == "nav" }); len(navs) != 1 {
		t.Errorf("found %d <nav>, want 1", len(navs))
	}

	rows := findAll(doc, func(n *html.Node) bool { return n.Data == "tr" && attr(n, "id") == "sensor-room1" })
	if len(rows) != 1 {
		t.Fatalf("sensor rows = %d, want 1", len(rows))
	}
	if attr(rows[0], "class") != "alarm" {
		t.Errorf("sensor row class = %q, want alarm", attr(rows[0], "class"))
	}
	if got := text(rows[0]); !strings.Contains(got, "-6000") {
		t.Errorf("sensor row text = %q, want reading", got)
	}

	items := findAll(doc, func(n *html.Node) bool { return n.Data == "li" && strings.HasPrefix(attr(n, "class"), "packet ") })
	if len(items) != 1 {
		t.Fatalf("packet items = %d, want 1", len(items))
	}
	if attr(items[0], "class") != "packet packet-primary" {
		t.Errorf("packet class = %q", attr(items[0], "class"))
	}
	if got := text(items[0]); !strings.Contains(got, "00:01 (A) → 00:02 (B)") {
		t.Errorf("packet text = %q, want resolved route", got)
	}

	nodes := findAll(doc, func(n *html.Node) bool { return n.Data == "g" && attr(n, "data-id") != "" })
	if len(nodes) != 2 {
		t.Fatalf("svg nodes = %d, want 2", len(nodes))
	}
	if attr(nodes[1], "class") != "node gateway" {
		t.Errorf("gateway node class = %q", attr(nodes[1], "class"))
	}
}

func TestDashboard_Layout(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do("GET", "/")

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<!DOCTYPE html>") || !strings.Contains(body, `id="packet-log"`) {
		t.Error("page is missing the layout or the packet log")
	}
	if !strings.Contains(body, buildinfo.Version) {
		t.Error("page does not show the version")
	}
}

func TestDashboard_EmptySensorTable(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Sensors = sensors.NewTable(sensors.Thresholds{On: -5160, Off: -5160})
	})
	if body := f.do("GET", "/").Body.String(); !strings.Contains(body, "No readings yet") {
		t.Error("empty sensor table placeholder missing")
	}
}

func TestDashboard_SubpathNotFound(t *testing.T) {
	f := newFixture(t, nil)
	if w := f.do("GET", "/nonexistent"); w.Code != http.StatusNotFound {
		t.Errorf("GET /nonexistent status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestStatic(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/static/app.js", "/static/style.css"} {
		if w := f.do("GET", path); w.Code != http.StatusOK {
			t.Errorf("GET %s status = %d", path, w.Code)
		}
	}
}

func TestAPI_Snapshot(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Links = fakeLinks{healthy: true} })
	w := f.do("GET", "/api/snapshot")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var snap Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Sensors) != 1 || !snap.Sensors[0].Alarm {
		t.Errorf("sensors = %+v", snap.Sensors)
	}
	if len(snap.Topology.Nodes) != 2 || len(snap.Topology.Links) != 1 {
		t.Errorf("topology = %d nodes, %d links", len(snap.Topology.Nodes), len(snap.Topology.Links))
	}
	if len(snap.Packets) != 1 || snap.Packets[0].SrcNode != "A" {
		t.Errorf("packets = %+v", snap.Packets)
	}
	if !snap.Links["dashboard"].Ready {
		t.Errorf("links = %+v", snap.Links)
	}
}

func TestAPI_Collections(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		path string
		want string
	}{
		{"/api/sensors", `"name":"room1"`},
		{"/api/topology", `"label":"B (gateway)"`},
		{"/api/packets", `"style":"primary"`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := f.do("GET", tt.path)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if !strings.Contains(w.Body.String(), tt.want) {
				t.Errorf("body %s missing %s", w.Body.String(), tt.want)
			}
		})
	}
}

func TestAPI_RemoveNode(t *testing.T) {
	f := newFixture(t, nil)

	if w := f.do("DELETE", "/api/nodes/A"); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", w.Code)
	}
	if _, ok := f.graph.FindNode("A"); ok {
		t.Error("node A still present")
	}
	if len(f.graph.Links()) != 0 {
		t.Error("incident link survived node removal")
	}
	if w := f.do("DELETE", "/api/nodes/A"); w.Code != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", w.Code)
	}
}

func TestAPI_ResetTopology(t *testing.T) {
	f := newFixture(t, nil)
	if w := f.do("GET", "/api/topology/reset"); w.Code == http.StatusNoContent {
		t.Error("GET performed a reset")
	}
	if n := len(f.graph.Nodes()); n != 2 {
		t.Fatalf("nodes before reset = %d, want 2", n)
	}
	if w := f.do("POST", "/api/topology/reset"); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if n := len(f.graph.Nodes()); n != 0 {
		t.Errorf("nodes after reset = %d", n)
	}
}

func TestAPI_PacketHistory(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t, nil)
		if w := f.do("GET", "/api/packets/history"); w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", w.Code)
		}
	})

	t.Run("query", func(t *testing.T) {
		h := &fakeHistory{entries: []packetlog.Entry{{Seq: 7, Packet: packetlog.Packet{Type: "nam"}}}}
		f := newFixture(t, func(c *Config) { c.History = h })

		w := f.do("GET", "/api/packets/history?type=nam&node=A&limit=5")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if h.got != (archive.Query{Type: "nam", Node: "A", Limit: 5}) {
			t.Errorf("query = %+v", h.got)
		}
		if !strings.Contains(w.Body.String(), `"seq":7`) {
			t.Errorf("body = %s", w.Body.String())
		}
	})

	t.Run("store error", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.History = &fakeHistory{err: errors.New("disk I/O error")} })
		if w := f.do("GET", "/api/packets/history?limit=bogus"); w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", w.Code)
		}
		if w := f.do("DELETE", "/api/packets/history"); w.Code != http.StatusInternalServerError {
			t.Errorf("clear status = %d, want 500", w.Code)
		}
	})

	t.Run("clear", func(t *testing.T) {
		h := &fakeHistory{entries: []packetlog.Entry{{Seq: 1}, {Seq: 2}}}
		f := newFixture(t, func(c *Config) { c.History = h })

		if !strings.Contains(f.do("GET", "/health").Body.String(), `"archived":2`) {
			t.Error("health does not report the archive size")
		}
		if w := f.do("DELETE", "/api/packets/history"); w.Code != http.StatusNoContent || !h.cleared {
			t.Errorf("clear status = %d, cleared = %v", w.Code, h.cleared)
		}
		if !strings.Contains(f.do("GET", "/health").Body.String(), `"archived":0`) {
			t.Error("health still reports archived packets after clear")
		}
	})
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		links  LinkStatus
		code   int
		status string
	}{
		{"no watchers", nil, http.StatusOK, "healthy"},
		{"links up", fakeLinks{healthy: true}, http.StatusOK, "healthy"},
		{"link down", fakeLinks{healthy: false}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *Config) { c.Links = tt.links })
			w := f.do("GET", "/health")
			if w.Code != tt.code {
				t.Errorf("status = %d, want %d", w.Code, tt.code)
			}
			var body struct {
				Status string `json:"status"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.status {
				t.Errorf("status = %q, want %q", body.Status, tt.status)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do("GET", "/version")
	if !strings.Contains(w.Body.String(), `"go_version"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do("GET", "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "meshview_topology_nodes") {
		t.Error("metrics output missing meshview_topology_nodes")
	}
}

func TestQRCode(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PublicURL = "http://meshview.local:8080/" })
	w := f.do("GET", "/qr.png")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.HasPrefix(w.Body.String(), "\x89PNG") {
		t.Error("body is not a PNG")
	}
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, func(c *Config) {
		c.Auth = config.AuthConfig{Username: "ops", PasswordHash: string(hash)}
	})

	tests := []struct {
		name       string
		path       string
		user, pass string
		want       int
	}{
		{"no credentials", "/api/sensors", "", "", http.StatusUnauthorized},
		{"wrong password", "/api/sensors", "ops", "nope", http.StatusUnauthorized},
		{"wrong user", "/api/sensors", "root", "hunter2", http.StatusUnauthorized},
		{"valid", "/api/sensors", "ops", "hunter2", http.StatusOK},
		{"health open", "/health", "", "", http.StatusOK},
		{"metrics open", "/metrics", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			w := httptest.NewRecorder()
			f.handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate challenge")
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 15*time.Minute, "2h 15m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestReading(t *testing.T) {
	if got := reading(sensors.Sensor{Value: -6000, Raw: "-6000", Valid: true}); got != "-6000" {
		t.Errorf("reading(valid) = %q", got)
	}
	if got := reading(sensors.Sensor{Raw: "n/a"}); got != "n/a" {
		t.Errorf("reading(invalid) = %q", got)
	}
}
