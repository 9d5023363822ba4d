package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"github.com/nugget/meshview/internal/httpkit"
	"github.com/nugget/meshview/internal/packetlog"
	"github.com/nugget/meshview/internal/sensors"
	"github.com/nugget/meshview/internal/topology"
	"github.com/nugget/meshview/internal/web"
)

// passwordEnv supplies the dashboard password when the URL carries only
// a user name.
const passwordEnv = "MESHVIEW_PASSWORD"

const (
	maxWatchPackets  = 200
	feedRetry        = 5 * time.Second
	feedBuffer       = 64
	sensorPaneBorder = 2
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	alarmStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	paneStyle   = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)

	// packetStyles colors log lines by packet display style.
	packetStyles = map[string]lipgloss.Style{
		"primary":   lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		"warning":   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"success":   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"danger":    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"info":      lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		"secondary": lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
)

// dashboardTarget is a dashboard base URL and its credentials.
type dashboardTarget struct {
	base *url.URL
	user string
	pass string
}

// parseTarget reads "http://[user[:pass]@]host:port" and strips the
// credentials from the base URL.
func parseTarget(raw string) (dashboardTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return dashboardTarget{}, fmt.Errorf("parse dashboard URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return dashboardTarget{}, fmt.Errorf("dashboard URL %q: scheme must be http or https", raw)
	}
	t := dashboardTarget{}
	if u.User != nil {
		t.user = u.User.Username()
		t.pass, _ = u.User.Password()
		if t.pass == "" {
			t.pass = os.Getenv(passwordEnv)
		}
		u.User = nil
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	t.base = u
	return t, nil
}

func (t dashboardTarget) apiURL(path string) string {
	return t.base.String() + path
}

func (t dashboardTarget) wsURL() string {
	u := *t.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String()
}

func (t dashboardTarget) header() http.Header {
	h := http.Header{}
	if t.user != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(t.user + ":" + t.pass))
		h.Set("Authorization", "Basic "+cred)
	}
	return h
}

// runWatch handles "meshview watch [url]". Without a URL it follows the
// dashboard on the configured local port.
func runWatch(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("usage: meshview watch [url]")
	}
	var raw string
	if len(args) == 1 {
		raw = args[0]
	} else {
		cfg, _, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		raw = fmt.Sprintf("http://localhost:%d", cfg.Listen.Port)
	}
	target, err := parseTarget(raw)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	feed := make(chan tea.Msg, feedBuffer)
	go follow(ctx, target, feed)

	client := httpkit.NewClient(httpkit.WithTimeout(10*time.Second), httpkit.WithRetry(2, time.Second))
	p := tea.NewProgram(newWatchModel(target, client, feed),
		tea.WithContext(ctx),
		tea.WithOutput(stdout),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}

// Messages delivered to the watch model.
type (
	snapshotMsg web.Snapshot
	feedMsg     struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	feedStateMsg struct {
		connected bool
		err       error
	}
	errMsg struct{ err error }
)

// follow keeps a WebSocket to the dashboard open, reconnecting at a
// fixed interval, and forwards every frame to out until ctx ends.
func follow(ctx context.Context, target dashboardTarget, out chan<- tea.Msg) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	send := func(msg tea.Msg) bool {
		select {
		case out <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		conn, _, err := dialer.DialContext(ctx, target.wsURL(), target.header())
		if err == nil {
			if !send(feedStateMsg{connected: true}) {
				conn.Close()
				return
			}
			err = readFeed(ctx, conn, send)
		}
		if ctx.Err() != nil {
			return
		}
		if !send(feedStateMsg{err: err}) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(feedRetry):
		}
	}
}

// readFeed forwards frames from conn until it fails or ctx ends.
func readFeed(ctx context.Context, conn *websocket.Conn, send func(tea.Msg) bool) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		var msg feedMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if !send(msg) {
			return ctx.Err()
		}
	}
}

// watchModel is the terminal view of one dashboard.
type watchModel struct {
	target dashboardTarget
	client *http.Client
	feed   <-chan tea.Msg

	sensors   []sensors.Sensor
	nodes     int
	links     int
	topoVer   uint64
	packets   []packetlog.Entry
	linkState map[string]bool
	live      bool
	err       error

	viewport viewport.Model
	width    int
	height   int
}

func newWatchModel(target dashboardTarget, client *http.Client, feed <-chan tea.Msg) watchModel {
	return watchModel{
		target:    target,
		client:    client,
		feed:      feed,
		linkState: make(map[string]bool),
		viewport:  viewport.New(80, 10),
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.fetchSnapshot(), m.waitFeed())
}

func (m watchModel) fetchSnapshot() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		var snap web.Snapshot
		if err := httpkit.GetJSON(ctx, m.client, m.target.apiURL("/api/snapshot"), m.target.user, m.target.pass, &snap); err != nil {
			return errMsg{err}
		}
		return snapshotMsg(snap)
	}
}

func (m watchModel) waitFeed() tea.Cmd {
	if m.feed == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-m.feed
		if !ok {
			return errMsg{errors.New("feed closed")}
		}
		return msg
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()

	case snapshotMsg:
		m.applySnapshot(web.Snapshot(msg))
		m.err = nil

	case errMsg:
		m.err = msg.err

	case feedStateMsg:
		m.live = msg.connected
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
		}
		return m, m.waitFeed()

	case feedMsg:
		m.applyFeed(msg)
		return m, m.waitFeed()
	}

	return m, nil
}

func (m *watchModel) applySnapshot(snap web.Snapshot) {
	m.sensors = snap.Sensors
	m.nodes, m.links = len(snap.Topology.Nodes), len(snap.Topology.Links)
	m.topoVer = snap.Topology.Version
	m.packets = snap.Packets
	for name, st := range snap.Links {
		m.linkState[name] = st.Ready
	}
	m.resize()
}

// applyFeed folds one WebSocket frame into the model. Frames that fail
// to decode are ignored.
func (m *watchModel) applyFeed(msg feedMsg) {
	switch msg.Type {
	case web.MsgSnapshot:
		var snap web.Snapshot
		if json.Unmarshal(msg.Data, &snap) == nil {
			m.applySnapshot(snap)
		}
	case web.MsgSensor:
		var data struct {
			Sensor sensors.Sensor `json:"sensor"`
		}
		if json.Unmarshal(msg.Data, &data) != nil || data.Sensor.ID == "" {
			return
		}
		i := slices.IndexFunc(m.sensors, func(s sensors.Sensor) bool { return s.ID == data.Sensor.ID })
		if i < 0 {
			m.sensors = append(m.sensors, data.Sensor)
			m.resize()
		} else {
			m.sensors[i] = data.Sensor
		}
	case web.MsgTopology:
		var data struct {
			Topology topology.Snapshot `json:"topology"`
		}
		if json.Unmarshal(msg.Data, &data) != nil || data.Topology.Version < m.topoVer {
			return
		}
		m.nodes, m.links = len(data.Topology.Nodes), len(data.Topology.Links)
		m.topoVer = data.Topology.Version
	case web.MsgPacket:
		var data struct {
			Entry   packetlog.Entry `json:"entry"`
			Evicted int             `json:"evicted"`
		}
		if json.Unmarshal(msg.Data, &data) != nil {
			return
		}
		m.packets = append([]packetlog.Entry{data.Entry}, m.packets...)
		keep := min(len(m.packets)-data.Evicted, maxWatchPackets)
		m.packets = m.packets[:max(keep, 0)]
	case web.MsgLink:
		var data struct {
			Link string `json:"link"`
			Kind string `json:"kind"`
		}
		if json.Unmarshal(msg.Data, &data) == nil && data.Link != "" {
			m.linkState[data.Link] = data.Kind == "link_up"
		}
	}
	m.viewport.SetContent(m.packetLines())
}

// resize gives the packet log whatever the header and sensor pane
// leave of the terminal.
func (m *watchModel) resize() {
	if m.width > 0 {
		used := 2 + max(len(m.sensors), 1) + sensorPaneBorder
		m.viewport.Width = m.width
		m.viewport.Height = max(m.height-used, 3)
	}
	m.viewport.SetContent(m.packetLines())
}

func (m watchModel) packetLines() string {
	var sb strings.Builder
	for _, e := range m.packets {
		style, ok := packetStyles[e.Style]
		if !ok {
			style = packetStyles["secondary"]
		}
		line := fmt.Sprintf("%s %-8s %s → %s", e.Received.Local().Format("15:04:05"), e.Type, e.SrcLabel(), e.DstLabel())
		if e.Label != "" {
			line += "  " + e.Label
		}
		sb.WriteString(style.Render(line))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (m watchModel) View() string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("meshview " + m.target.base.String()))
	sb.WriteString(subtleStyle.Render(fmt.Sprintf("  nodes %d  links %d", m.nodes, m.links)))
	names := make([]string, 0, len(m.linkState))
	for name := range m.linkState {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		state := errorStyle.Render(name + " down")
		if m.linkState[name] {
			state = okStyle.Render(name + " up")
		}
		sb.WriteString("  " + state)
	}
	sb.WriteByte('\n')

	switch {
	case m.err != nil:
		sb.WriteString(errorStyle.Render("error: "+m.err.Error()) + "\n")
	case !m.live:
		sb.WriteString(subtleStyle.Render("connecting…") + "\n")
	default:
		sb.WriteString(subtleStyle.Render("live  (q to quit)") + "\n")
	}

	var rows strings.Builder
	if len(m.sensors) == 0 {
		rows.WriteString(subtleStyle.Render("No readings yet"))
	}
	for i, s := range m.sensors {
		if i > 0 {
			rows.WriteByte('\n')
		}
		line := fmt.Sprintf("%-24s %8s", s.Name, s.Raw)
		if s.Alarm {
			rows.WriteString(alarmStyle.Render(line + "  ALARM"))
		} else {
			rows.WriteString(line)
		}
	}
	sb.WriteString(paneStyle.Render(rows.String()))
	sb.WriteByte('\n')

	sb.WriteString(m.viewport.View())
	return sb.String()
}
