package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/meshview/internal/config"
	"github.com/nugget/meshview/internal/packetlog"
	"github.com/nugget/meshview/internal/sensors"
	"github.com/nugget/meshview/internal/web"
)

func testApp(t *testing.T, mutate func(*config.Config)) *app {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() {
		a.animator.Close()
		a.close()
	})
	return a
}

func getJSON(t *testing.T, h http.Handler, path string, v any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code == http.StatusOK && v != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
			t.Fatalf("GET %s: %v\n%s", path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestApp_MessagesReachDashboard(t *testing.T) {
	a := testApp(t, func(c *config.Config) {
		c.Archive.Path = filepath.Join(t.TempDir(), "packets.db")
	})
	h := a.server.Handler()

	a.sensorHandler.HandleMessage("HAW/room1/gas", []byte("-6000"))
	a.router.HandleMessage("sniffer/network/0x1", []byte(`[
		{"type":"node","value":{"id":"A","addr":"0x1"}},
		{"type":"node","value":{"id":"B","addr":"0x2","gateway":true}},
		{"type":"route","value":{"src":"0x1","dst":"0x2"}}
	]`))
	a.router.HandleMessage("sniffer/pkt/1", []byte(`{"type":"interest","src":"0x1","dst":"0x2","label":"/HAW/room1/gas","time":"10:00:00"}`))

	var snap web.Snapshot
	if code := getJSON(t, h, "/api/snapshot", &snap); code != http.StatusOK {
		t.Fatalf("snapshot status = %d", code)
	}
	if len(snap.Sensors) != 1 || snap.Sensors[0].Name != "HAW:room1" || !snap.Sensors[0].Alarm {
		t.Errorf("sensors = %+v, want HAW:room1 in alarm", snap.Sensors)
	}
	if len(snap.Topology.Nodes) != 2 || len(snap.Topology.Links) != 1 {
		t.Errorf("topology = %d nodes, %d links; want 2, 1", len(snap.Topology.Nodes), len(snap.Topology.Links))
	}
	if len(snap.Packets) != 1 || snap.Packets[0].SrcNode != "A" || snap.Packets[0].DstNode != "B" {
		t.Errorf("packets = %+v", snap.Packets)
	}

	var history []packetlog.Entry
	if code := getJSON(t, h, "/api/packets/history?node=A", &history); code != http.StatusOK {
		t.Fatalf("history status = %d", code)
	}
	if len(history) != 1 || history[0].Label != "/HAW/room1/gas" {
		t.Errorf("history = %+v", history)
	}

	if code := getJSON(t, h, "/health", nil); code != http.StatusOK {
		t.Errorf("health before links are watched = %d, want 200", code)
	}
}

func TestApp_ArchiveOptional(t *testing.T) {
	a := testApp(t, nil)
	if a.archive != nil {
		t.Fatal("archive opened without a path")
	}
	if code := getJSON(t, a.server.Handler(), "/api/packets/history", nil); code != http.StatusServiceUnavailable {
		t.Errorf("history without archive = %d, want 503", code)
	}
}

func TestApp_Thresholds(t *testing.T) {
	a := testApp(t, func(c *config.Config) {
		c.Sensors.AlarmOn = -100
		c.Sensors.AlarmOff = -50
	})
	a.sensorHandler.HandleMessage("HAW/hall/gas", []byte("-75"))

	var rows []sensors.Sensor
	getJSON(t, a.server.Handler(), "/api/sensors", &rows)
	if len(rows) != 1 || rows[0].Alarm {
		t.Errorf("rows = %+v, want one sensor without alarm", rows)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a := testApp(t, func(c *config.Config) {
		// Nothing listens here; the links keep retrying until shutdown.
		c.MQTT.Broker = "mqtt://127.0.0.1:1"
		c.Listen.Address = "127.0.0.1"
		c.Listen.Port = 18087
	})
	var logs bytes.Buffer
	a.logger = slog.New(slog.NewTextHandler(&logs, nil))

	ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run = %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	if !bytes.Contains(logs.Bytes(), []byte("meshview stopped")) {
		t.Errorf("shutdown not logged:\n%s", logs.String())
	}
}
