package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"floatingspheres/broker/internal/config"
	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/internal/replay"
	"floatingspheres/broker/internal/simulation"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Address:                 "127.0.0.1:0",
		GRPCAddress:             "127.0.0.1:0",
		MaxPayloadBytes:         config.DefaultMaxPayloadBytes,
		PingInterval:            config.DefaultPingInterval,
		MaxClients:              4,
		AdminToken:              "secret",
		Seed:                    "service-test",
		TickHz:                  config.DefaultTickHz,
		BandwidthBytesPerSecond: config.DefaultBandwidthBytesPerSecond,
		SendNeighbors:           true,
		ReplayDir:               t.TempDir(),
		ReplayMaxBundles:        config.DefaultReplayMaxBundles,
		ReplayMaxAge:            config.DefaultReplayMaxAge,
		ReplayDumpWindow:        time.Minute,
		ReplayDumpBurst:         1,
	}
}

type runningService struct {
	svc    *service
	base   string
	cancel context.CancelFunc
	done   chan error
}

func startService(t *testing.T, cfg *config.Config) *runningService {
	t.Helper()
	svc, err := newService(cfg, logging.NewTestLogger(), time.Now)
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	httpListener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		t.Fatalf("listen http: %v", err)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		t.Fatalf("listen grpc: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.serve(ctx, httpListener, grpcListener) }()
	running := &runningService{svc: svc, base: httpListener.Addr().String(), cancel: cancel, done: done}
	t.Cleanup(running.stop)
	return running
}

func (r *runningService) stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
	select {
	case <-r.done:
	case <-time.After(10 * time.Second):
	}
}

func TestNewServiceAppliesMobileScene(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReplayDir = ""
	cfg.Mobile = true
	svc, err := newService(cfg, logging.NewTestLogger(), time.Now)
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	full := config.DefaultScene().Counts.Total()
	if got := len(svc.engine.Latest().Bodies); got >= full {
		t.Fatalf("expected fewer than %d bodies on mobile, got %d", full, got)
	}
	if svc.recorder != nil || svc.cleaner != nil {
		t.Fatal("expected replay recording to stay disabled without a directory")
	}
	for _, body := range svc.engine.Latest().Bodies {
		if body.Semitransparent {
			t.Fatal("mobile scenes must not contain transparent bodies")
		}
	}
}

func TestNewServiceRejectsMissingScene(t *testing.T) {
	cfg := testConfig(t)
	cfg.ScenePath = "does-not-exist.yaml"
	if _, err := newService(cfg, logging.NewTestLogger(), time.Now); err == nil {
		t.Fatal("expected a missing scene file to fail construction")
	}
}

func TestServiceStreamsFramesAndRecordsReplay(t *testing.T) {
	cfg := testConfig(t)
	running := startService(t, cfg)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+running.base+"/ws?client_id=viewer-1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello struct {
		Type     string `json:"type"`
		ClientID string `json:"client_id"`
		Seed     string `json:"seed"`
		Bodies   int    `json:"bodies"`
	}
	var frame simulation.Frame
	for frame.Tick == 0 || hello.Type == "" {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if kind == websocket.BinaryMessage {
			if frame, err = simulation.DecodeFrame(payload); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			continue
		}
		var envelope map[string]any
		if err := json.Unmarshal(payload, &envelope); err != nil {
			t.Fatalf("decode text: %v", err)
		}
		if envelope["type"] == "hello" {
			if err := json.Unmarshal(payload, &hello); err != nil {
				t.Fatalf("decode hello: %v", err)
			}
		}
	}
	if hello.ClientID != "viewer-1" || hello.Seed != cfg.Seed || hello.Bodies != config.DefaultScene().Counts.Total() {
		t.Fatalf("unexpected hello %+v", hello)
	}
	if len(frame.Bodies) != hello.Bodies || len(frame.Neighbors) != hello.Bodies {
		t.Fatalf("expected a full frame with neighbour buffers, got %d bodies %d buffers", len(frame.Bodies), len(frame.Neighbors))
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"change_color"}`)); err != nil {
		t.Fatalf("write command: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for running.svc.engine.Latest().PaletteIndex == 0 {
		if time.Now().After(deadline) {
			t.Fatal("palette never advanced")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + running.base + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready service, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, "http://"+running.base+"/replay/dump", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	var dumped struct {
		Location string `json:"location"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&dumped)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || !strings.HasPrefix(dumped.Location, cfg.ReplayDir) {
		t.Fatalf("unexpected dump response %d %+v", resp.StatusCode, dumped)
	}

	//1.- Stop the service so the bundle is closed, then re-simulate it.
	conn.Close()
	running.stop()
	loader, err := replay.Load(dumped.Location)
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	commands, frames := loader.Count()
	if commands != 1 || frames == 0 {
		t.Fatalf("expected one command and recorded frames, got %d and %d", commands, frames)
	}
	report, err := replay.Verify(context.Background(), loader, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Deterministic() {
		t.Fatalf("expected a deterministic replay, got %+v", report)
	}
}

func TestServiceReadinessReportsStartupFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReplayDir = ""
	svc, err := newService(cfg, logging.NewTestLogger(), time.Now)
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer blocker.Close()
	cfg.Address = blocker.Addr().String()

	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected Run to fail on an occupied address")
	}
	if svc.StartupError() == nil {
		t.Fatal("expected readiness to carry the startup failure")
	}
}

func TestServiceRequiresSessionTokensWhenConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReplayDir = ""
	cfg.SessionSecret = "hush"
	cfg.SessionTTL = time.Minute
	running := startService(t, cfg)

	if _, resp, err := websocket.DefaultDialer.Dial("ws://"+running.base+"/ws?client_id=viewer-1", nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected an anonymous dial to be refused, got %v", err)
	}

	resp, err := http.Post("http://"+running.base+"/api/session", "application/json", nil)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	var issued struct {
		Token    string `json:"token"`
		ClientID string `json:"client_id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&issued)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || issued.Token == "" {
		t.Fatalf("unexpected session response %d %+v", resp.StatusCode, issued)
	}

	header := http.Header{}
	header.Set("X-Auth-Token", issued.Token)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+running.base+"/ws", header)
	if err != nil {
		t.Fatalf("dial with session: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var hello struct {
			Type     string `json:"type"`
			ClientID string `json:"client_id"`
		}
		if err := json.Unmarshal(payload, &hello); err != nil || hello.Type != "hello" {
			continue
		}
		if hello.ClientID != issued.ClientID {
			t.Fatalf("expected client id %q, got %q", issued.ClientID, hello.ClientID)
		}
		return
	}
}
