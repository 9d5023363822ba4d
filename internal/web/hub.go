package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/meshview/internal/events"
	"github.com/nugget/meshview/internal/metrics"
)

// Viewer message types sent over /ws.
const (
	MsgSnapshot  = "snapshot"
	MsgSensor    = "sensor"
	MsgTopology  = "topology"
	MsgPositions = "positions"
	MsgMeter     = "meter"
	MsgPacket    = "packet"
	MsgAnim      = "anim"
	MsgLink      = "link"
)

const (
	viewerBuffer = 256
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = 4096
)

// Message is one frame on the viewer WebSocket.
type Message struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts,omitzero"`
	Data any       `json:"data"`
}

// ViewerMessage is a frame sent by a viewer. Only "resize" is
// understood: it reports the viewer's canvas size and the visible height
// of its packet log.
type ViewerMessage struct {
	Type      string  `json:"type"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	LogHeight int     `json:"log_height"`
}

// messageTypes maps bus event kinds to viewer message types. Events of
// other kinds are not forwarded.
var messageTypes = map[string]string{
	events.KindSensorUpdated:   MsgSensor,
	events.KindTopologyChanged: MsgTopology,
	events.KindPositions:       MsgPositions,
	events.KindCacheMeter:      MsgMeter,
	events.KindPacketLogged:    MsgPacket,
	events.KindAnimationStart:  MsgAnim,
	events.KindAnimationFrame:  MsgAnim,
	events.KindAnimationEnd:    MsgAnim,
	events.KindLinkUp:          MsgLink,
	events.KindLinkDown:        MsgLink,
}

// toMessage converts a bus event into a viewer message.
func toMessage(e events.Event) (Message, bool) {
	typ, ok := messageTypes[e.Kind]
	if !ok {
		return Message{}, false
	}
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data["kind"] = e.Kind
	return Message{Type: typ, TS: e.Timestamp, Data: data}, true
}

// viewport is the drawing area a viewer reports.
type viewport struct {
	width, height float64
	logHeight     int
}

// widest returns the component-wise maximum of two viewports.
func (v viewport) widest(o viewport) viewport {
	return viewport{
		width:     max(v.width, o.width),
		height:    max(v.height, o.height),
		logHeight: max(v.logHeight, o.logHeight),
	}
}

// hub upgrades viewer connections and fans bus events out to them.
type hub struct {
	srv      *Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// The shared model is sized for the largest live viewer. Viewers
	// that never reported a size count as the configured default.
	mu        sync.Mutex
	base      viewport
	applied   viewport
	viewports map[string]viewport
}

func newHub(srv *Server, logger *slog.Logger) *hub {
	snap := srv.cfg.Graph.Snapshot()
	base := viewport{
		width:     snap.Width,
		height:    snap.Height,
		logHeight: srv.cfg.Packets.ViewportHeight(),
	}
	return &hub{
		srv: srv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
		logger:    logger,
		base:      base,
		applied:   base,
		viewports: make(map[string]viewport),
	}
}

// join registers a viewer at the default size.
func (h *hub) join(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.viewports[id] = h.base
}

// leave forgets a viewer and shrinks the model back if it was the
// largest one.
func (h *hub) leave(id string, logger *slog.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.viewports, id)
	h.applyLocked(logger)
}

// resize records a viewer's reported size. Zero fields keep the
// previous value.
func (h *hub) resize(id string, msg ViewerMessage, logger *slog.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()

	vp, ok := h.viewports[id]
	if !ok {
		return
	}
	if msg.Width > 0 && msg.Height > 0 {
		vp.width, vp.height = msg.Width, msg.Height
	}
	switch {
	case msg.LogHeight > 0:
		vp.logHeight = msg.LogHeight
	case msg.Height > 0:
		vp.logHeight = int(msg.Height)
	}
	h.viewports[id] = vp
	h.applyLocked(logger)
}

// applyLocked sizes the model for the largest live viewer, or the
// default when none is connected. Caller holds h.mu.
func (h *hub) applyLocked(logger *slog.Logger) {
	want := h.base
	if len(h.viewports) > 0 {
		want = viewport{}
		for _, vp := range h.viewports {
			want = want.widest(vp)
		}
	}

	if want.width != h.applied.width || want.height != h.applied.height {
		h.srv.cfg.Graph.Resize(want.width, want.height)
	}
	if want.logHeight != h.applied.logHeight {
		if evicted := h.srv.cfg.Packets.SetViewportHeight(want.logHeight); evicted > 0 {
			logger.Debug("packet log trimmed after resize", "evicted", evicted, "height", want.logHeight)
		}
	}
	h.applied = want
}

// serveWS runs one viewer: a full snapshot first, then every forwarded
// bus event until either side goes away.
func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	logger := h.logger.With("viewer", id)
	metrics.Viewers.Inc()
	defer metrics.Viewers.Dec()
	logger.Info("viewer connected", "remote", r.RemoteAddr)
	defer logger.Info("viewer disconnected")

	h.join(id)
	defer h.leave(id, logger)

	// Subscribe before the snapshot so no change falls in between.
	sub := h.srv.cfg.Bus.Subscribe(viewerBuffer)
	defer h.srv.cfg.Bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.write(conn, Message{Type: MsgSnapshot, TS: time.Now(), Data: h.srv.snapshot()}); err != nil {
		logger.Debug("snapshot write failed", "error", err)
		return
	}

	go h.readLoop(ctx, cancel, conn, id, logger)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			msg, ok := toMessage(e)
			if !ok {
				continue
			}
			if err := h.write(conn, msg); err != nil {
				logger.Debug("viewer write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				logger.Debug("viewer ping failed", "error", err)
				return
			}
		}
	}
}

func (h *hub) write(conn *websocket.Conn, msg Message) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// readLoop handles viewer frames and cancels the session when the
// connection closes.
func (h *hub) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, id string, logger *slog.Logger) {
	defer cancel()
	conn.SetReadLimit(readLimit)

	for ctx.Err() == nil {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("viewer read failed", "error", err)
			}
			return
		}

		var msg ViewerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("malformed viewer message dropped", "error", err)
			continue
		}
		h.handleViewerMessage(id, msg, logger)
	}
}

func (h *hub) handleViewerMessage(id string, msg ViewerMessage, logger *slog.Logger) {
	switch msg.Type {
	case "resize":
		h.resize(id, msg, logger)
	default:
		logger.Debug("unknown viewer message", "type", msg.Type)
	}
}
