package networking

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"floatingspheres/broker/internal/config"
	"floatingspheres/broker/internal/events"
	"floatingspheres/broker/internal/input"
	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/internal/simulation"
)

func newTestEngine(t *testing.T) *simulation.Engine {
	t.Helper()
	engine, err := simulation.NewEngine(config.DefaultScene(), "hub", simulation.WithLogger(logging.NewTestLogger()))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return engine
}

func startHub(t *testing.T, hub *Hub) string {
	t.Helper()
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readText returns the next text message whose type matches want.
func readText(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %s: %v", want, err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg["type"] == want {
			return msg
		}
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

func TestHubSubmitsCommandsWithClientID(t *testing.T) {
	engine := newTestEngine(t)
	hub := NewHub(Options{}, engine, logging.NewTestLogger())
	conn := dial(t, startHub(t, hub)+"?client_id=viewer-1")

	hello := readText(t, conn, "hello")
	if hello["client_id"] != "viewer-1" {
		t.Fatalf("unexpected hello %v", hello)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"change_color"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "queued command", func() bool { return engine.Pending() == 1 })

	frame := engine.Tick(1.0 / 60)
	if frame.PaletteIndex != 1 {
		t.Fatalf("expected the palette to advance, got %d", frame.PaletteIndex)
	}
	if stats := hub.Stats(); stats.Commands != 1 || stats.Clients != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestHubBroadcastsBinaryFrames(t *testing.T) {
	engine := newTestEngine(t)
	hub := NewHub(Options{SendNeighbors: false}, engine, logging.NewTestLogger())
	conn := dial(t, startHub(t, hub))
	readText(t, conn, "hello")

	want := engine.Tick(1.0 / 60)
	if delivered := hub.Broadcast(want); delivered != 1 {
		t.Fatalf("expected one delivery, got %d", delivered)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil || kind != websocket.BinaryMessage {
		t.Fatalf("expected a binary frame, got kind %d err %v", kind, err)
	}
	got, err := simulation.DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Tick != want.Tick || len(got.Bodies) != len(want.Bodies) || len(got.Neighbors) != 0 {
		t.Fatalf("unexpected frame tick %d bodies %d neighbors %d", got.Tick, len(got.Bodies), len(got.Neighbors))
	}
	if stats := hub.Stats(); stats.Broadcasts != 1 || stats.FramesSent != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestHubSkipsFramesOverBudget(t *testing.T) {
	engine := newTestEngine(t)
	regulator := NewBandwidthRegulator(1, time.Second, nil)
	hub := NewHub(Options{SendNeighbors: true}, engine, logging.NewTestLogger(), WithBandwidth(regulator))
	conn := dial(t, startHub(t, hub))
	readText(t, conn, "hello")

	if delivered := hub.Broadcast(engine.Latest()); delivered != 0 {
		t.Fatalf("expected the frame to exceed the budget, delivered %d", delivered)
	}
	if drops := hub.Stats().Drops; drops[DropBandwidth] != 1 {
		t.Fatalf("unexpected drops %+v", drops)
	}
}

func TestHubForwardsEventsAndAcks(t *testing.T) {
	stream := events.NewStream(events.Config{})
	hub := NewHub(Options{}, newTestEngine(t), logging.NewTestLogger(), WithEvents(stream))
	conn := dial(t, startHub(t, hub)+"?client_id=renderer")
	readText(t, conn, "hello")

	seq, err := stream.Publish(events.KindPalette, 7, map[string]any{"palette_index": 2})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	event := readText(t, conn, "event")
	if event["kind"] != "palette" || event["sequence"] != float64(seq) || event["tick"] != float64(7) {
		t.Fatalf("unexpected event %v", event)
	}
	detail, _ := event["detail"].(map[string]any)
	if detail["palette_index"] != float64(2) {
		t.Fatalf("unexpected detail %v", detail)
	}
	ack, _ := json.Marshal(map[string]any{"type": "ack", "sequence": seq})
	if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestHubEnforcesClientLimits(t *testing.T) {
	hub := NewHub(Options{MaxClients: 1}, newTestEngine(t), logging.NewTestLogger())
	url := startHub(t, hub)
	first := dial(t, url+"?client_id=a")
	readText(t, first, "hello")

	_, resp, err := websocket.DefaultDialer.Dial(url+"?client_id=b", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected the second client to be refused, got %v", err)
	}
}

func TestHubRejectsDuplicateClientID(t *testing.T) {
	hub := NewHub(Options{}, newTestEngine(t), logging.NewTestLogger())
	url := startHub(t, hub)
	readText(t, dial(t, url+"?client_id=dup"), "hello")

	_, resp, err := websocket.DefaultDialer.Dial(url+"?client_id=dup", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected a conflict for the duplicate id, got %v", err)
	}
}

func TestHubDisconnectsAbusiveClient(t *testing.T) {
	constraints := input.DefaultConstraints
	constraints.InvalidBurstLimit = 1
	constraints.MaxCooldownStrikes = 1
	validator := input.NewValidator(constraints, logging.NewTestLogger())
	hub := NewHub(Options{}, newTestEngine(t), logging.NewTestLogger(), WithValidator(validator))
	conn := dial(t, startHub(t, hub))
	readText(t, conn, "hello")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	waitFor(t, "client removal", func() bool { return hub.Stats().Clients == 0 })
	if hub.Stats().Rejected != 1 {
		t.Fatalf("unexpected rejected count %d", hub.Stats().Rejected)
	}
}

func TestHubGatesRapidCommands(t *testing.T) {
	engine := newTestEngine(t)
	gate := input.NewGate(input.Config{Cooldown: time.Hour}, logging.NewTestLogger())
	hub := NewHub(Options{}, engine, logging.NewTestLogger(), WithGate(gate))
	conn := dial(t, startHub(t, hub))
	readText(t, conn, "hello")

	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"reset"}`)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	waitFor(t, "gate decisions", func() bool { return hub.Stats().Rejected == 2 })
	if engine.Pending() != 1 {
		t.Fatalf("expected a single queued reset, got %d", engine.Pending())
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://spheres.example/ "})
	cases := map[string]bool{
		"":                        true,
		"https://spheres.example": true,
		"HTTPS://SPHERES.EXAMPLE": true,
		"https://evil.example":    false,
	}
	for origin, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := check(req); got != want {
			t.Fatalf("origin %q: got %v want %v", origin, got, want)
		}
	}
	if !originChecker([]string{"*"})(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Fatalf("wildcard must allow every origin")
	}
}

// dialSilent connects without answering pings, mimicking a stalled browser tab.
func dialSilent(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn := dial(t, url)
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn
}

func TestHubEvictsPeerThatNeverPongs(t *testing.T) {
	hub := NewHub(Options{PingInterval: 40 * time.Millisecond}, newTestEngine(t), logging.NewTestLogger())
	conn := dialSilent(t, startHub(t, hub)+"?client_id=stalled")

	//1.- Control frames are only processed while the peer keeps reading.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	waitFor(t, "stalled client eviction", func() bool { return hub.Stats().Clients == 0 })
}
