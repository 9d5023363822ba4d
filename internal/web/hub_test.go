package web

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/meshview/internal/events"
	"github.com/nugget/meshview/internal/packetlog"
	"github.com/nugget/meshview/internal/topology"
)

func dialViewer(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type rawMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func readMessage(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg rawMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestHub_SnapshotThenEvents(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialViewer(t, f)

	snap := readMessage(t, conn)
	if snap.Type != MsgSnapshot {
		t.Fatalf("first message = %q, want snapshot", snap.Type)
	}
	topo, _ := snap.Data["topology"].(map[string]any)
	if nodes, _ := topo["nodes"].([]any); len(nodes) != 2 {
		t.Errorf("snapshot nodes = %v", topo["nodes"])
	}

	f.graph.AddNode(topology.Node{ID: "C", Addr: "00:03"})

	msg := readMessage(t, conn)
	if msg.Type != MsgTopology {
		t.Fatalf("message = %q, want topology", msg.Type)
	}
	if msg.Data["kind"] != events.KindTopologyChanged {
		t.Errorf("kind = %v", msg.Data["kind"])
	}
	topo, _ = msg.Data["topology"].(map[string]any)
	if nodes, _ := topo["nodes"].([]any); len(nodes) != 3 {
		t.Errorf("topology nodes = %d, want 3", len(nodes))
	}
}

func TestHub_Resize(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialViewer(t, f)
	readMessage(t, conn)

	if err := conn.WriteJSON(ViewerMessage{Type: "resize", Width: 600, Height: 400, LogHeight: 192}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.packets.ViewportHeight() != 192 {
		if time.Now().After(deadline) {
			t.Fatalf("packet log viewport = %d, want 192", f.packets.ViewportHeight())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if snap := f.graph.Snapshot(); snap.Width != 600 || snap.Height != 400 {
		t.Errorf("graph size = %vx%v, want 600x400", snap.Width, snap.Height)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_ResizeSizedForLargestViewer(t *testing.T) {
	f := newFixture(t, nil)
	for i := range 8 {
		f.packets.Add(packetlog.Packet{Type: "data", Src: "00:01", Dst: "00:02", Time: fmt.Sprintf("12:00:%02d", i)})
	}
	if n := len(f.packets.Entries()); n != 9 {
		t.Fatalf("seeded entries = %d, want 9", n)
	}

	desk := dialViewer(t, f)
	readMessage(t, desk)
	phone := dialViewer(t, f)
	readMessage(t, phone)

	// A short but wide phone widens the layout without shrinking the log
	// the desk viewer still shows.
	if err := phone.WriteJSON(ViewerMessage{Type: "resize", Width: 1500, Height: 300, LogHeight: 96}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "layout width 1500", func() bool { return f.graph.Snapshot().Width == 1500 })
	if got := f.packets.ViewportHeight(); got != 1080 {
		t.Errorf("log viewport = %d, want 1080", got)
	}
	if n := len(f.packets.Entries()); n != 9 {
		t.Errorf("entries after phone resize = %d, want 9", n)
	}

	if err := desk.WriteJSON(ViewerMessage{Type: "resize", Width: 800, Height: 600, LogHeight: 2000}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "log viewport 2000", func() bool { return f.packets.ViewportHeight() == 2000 })
	if snap := f.graph.Snapshot(); snap.Width != 1500 || snap.Height != 600 {
		t.Errorf("graph size = %vx%v, want 1500x600", snap.Width, snap.Height)
	}

	phone.Close()
	waitFor(t, "phone width released", func() bool { return f.graph.Snapshot().Width == 800 })

	desk.Close()
	waitFor(t, "default viewport restored", func() bool {
		snap := f.graph.Snapshot()
		return f.packets.ViewportHeight() == 1080 && snap.Width == 1200 && snap.Height == 800
	})
	if n := len(f.packets.Entries()); n != 9 {
		t.Errorf("entries after viewers left = %d, want 9", n)
	}
}

func TestHub_MalformedViewerMessage(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialViewer(t, f)
	readMessage(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The session survives and keeps streaming.
	f.graph.AddNode(topology.Node{ID: "C", Addr: "00:03"})
	if msg := readMessage(t, conn); msg.Type != MsgTopology {
		t.Errorf("message = %q, want topology", msg.Type)
	}
}

func TestHub_UnsubscribesOnClose(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialViewer(t, f)
	readMessage(t, conn)

	if n := f.bus.SubscriberCount(); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("viewer subscription not released")
		}
		// Publishing wakes the writer if the read side has not noticed yet.
		f.graph.AddNode(topology.Node{ID: "X", Addr: "00:99"})
		f.graph.RemoveNode("X")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestToMessage(t *testing.T) {
	tests := []struct {
		kind string
		want string
		ok   bool
	}{
		{events.KindSensorUpdated, MsgSensor, true},
		{events.KindPositions, MsgPositions, true},
		{events.KindCacheMeter, MsgMeter, true},
		{events.KindPacketLogged, MsgPacket, true},
		{events.KindAnimationFrame, MsgAnim, true},
		{events.KindLinkDown, MsgLink, true},
		{"something_else", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			msg, ok := toMessage(events.NewEvent("test", tt.kind, map[string]any{"x": 1}))
			if ok != tt.ok || msg.Type != tt.want {
				t.Fatalf("toMessage = (%q, %v), want (%q, %v)", msg.Type, ok, tt.want, tt.ok)
			}
			if ok {
				data := msg.Data.(map[string]any)
				if data["kind"] != tt.kind || data["x"] != 1 {
					t.Errorf("data = %v", data)
				}
			}
		})
	}
}
