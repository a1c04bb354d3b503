package simulation

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"floatingspheres/broker/internal/config"
	"floatingspheres/broker/internal/events"
	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/internal/physics"
	"floatingspheres/broker/internal/rng"
)

func newTestEngine(t *testing.T, seed string, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(logging.NewTestLogger())}, opts...)
	engine, err := NewEngine(config.DefaultScene(), seed, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

type memoryRecorder struct {
	mu       sync.Mutex
	commands []Command
	ticks    []uint64
	frames   []Frame
	fail     error
}

func (m *memoryRecorder) RecordCommand(tick uint64, _ float64, cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)
	m.ticks = append(m.ticks, tick)
	return m.fail
}

func (m *memoryRecorder) RecordFrame(frame Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frame)
	return m.fail
}

func TestNewEnginePublishesInitialFrame(t *testing.T) {
	engine := newTestEngine(t, "initial")
	frame := engine.Latest()
	scene := config.DefaultScene()
	if len(frame.Bodies) != scene.Counts.Total() {
		t.Fatalf("expected %d bodies, got %d", scene.Counts.Total(), len(frame.Bodies))
	}
	if frame.Tick != 0 || frame.Elapsed != 0 {
		t.Fatalf("expected tick zero, got %d at %v", frame.Tick, frame.Elapsed)
	}
	if len(frame.Order) != len(frame.Bodies) {
		t.Fatalf("expected draw order for every body")
	}
	if len(frame.Neighbors) != len(frame.Bodies) {
		t.Fatalf("expected one neighbour buffer per body, got %d", len(frame.Neighbors))
	}
	roster := engine.Roster()
	for i, body := range frame.Bodies {
		if body.Kind != roster[i] {
			t.Fatalf("body %d kind %s does not match roster %s", i, body.Kind, roster[i])
		}
		if body.Semitransparent != roster[i].Semitransparent() {
			t.Fatalf("body %d transparency mismatch", i)
		}
	}
}

func TestNewEngineRejectsInvalidScene(t *testing.T) {
	scene := config.DefaultScene()
	scene.Palette = nil
	if _, err := NewEngine(scene, "x", WithLogger(logging.NewTestLogger())); err == nil {
		t.Fatalf("expected invalid scene to be rejected")
	}
	if _, err := NewEngine(nil, "x"); err == nil {
		t.Fatalf("expected nil scene to be rejected")
	}
}

func TestEngineIsDeterministicForSeedAndCommands(t *testing.T) {
	run := func() []byte {
		engine := newTestEngine(t, "determinism")
		for tick := 0; tick < 90; tick++ {
			switch tick {
			case 10:
				_ = engine.Submit(Command{Kind: CommandPointer, Active: true, X: 0.1, Y: -0.2})
			case 30:
				_ = engine.Submit(Command{Kind: CommandPointer})
				_ = engine.Submit(Command{Kind: CommandChangeColor})
			case 60:
				_ = engine.Submit(Command{Kind: CommandReset})
			}
			engine.Tick(1.0 / 60)
		}
		return EncodeFrame(engine.Latest())
	}
	first, second := run(), run()
	if !bytes.Equal(first, second) {
		t.Fatalf("expected identical frames for identical seeds and commands")
	}
}

func TestEngineSeedsDiffer(t *testing.T) {
	a := newTestEngine(t, "alpha").Latest()
	b := newTestEngine(t, "beta").Latest()
	if a.Bodies[0].Position == b.Bodies[0].Position {
		t.Fatalf("expected different seeds to place bodies differently")
	}
}

func TestEngineTickAdvancesClock(t *testing.T) {
	engine := newTestEngine(t, "clock")
	frame := engine.Tick(0.5)
	if frame.Tick != 1 {
		t.Fatalf("expected tick 1, got %d", frame.Tick)
	}
	if frame.Delta != 0.1 || frame.Elapsed != 0.1 {
		t.Fatalf("expected the step to clamp to max_delta_time, got delta %v elapsed %v", frame.Delta, frame.Elapsed)
	}
	idle := engine.Tick(0)
	if idle.Tick != 2 || idle.Elapsed != 0.1 {
		t.Fatalf("expected a zero step to keep elapsed time, got %+v", idle.Elapsed)
	}
}

func TestSubmitRejectsInvalidCommands(t *testing.T) {
	engine := newTestEngine(t, "submit")
	if err := engine.Submit(Command{Kind: "warp"}); err == nil {
		t.Fatalf("expected unknown command to be rejected")
	}
	if err := engine.Submit(Command{Kind: CommandImpulse}); err != nil {
		t.Fatalf("submit impulse: %v", err)
	}
	if engine.Pending() != 1 {
		t.Fatalf("expected one pending command, got %d", engine.Pending())
	}
	engine.Tick(1.0 / 60)
	if engine.Pending() != 0 {
		t.Fatalf("expected tick to drain the queue")
	}
}

func TestChangeColorAdvancesPaletteAndNotifies(t *testing.T) {
	stream := events.NewStream(events.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := stream.Subscribe(ctx, "viewer", 8)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	engine := newTestEngine(t, "palette", WithEvents(stream))
	before := engine.Latest()

	if err := engine.Submit(Command{Kind: CommandChangeColor, ClientID: "c1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	after := engine.Tick(1.0 / 60)
	if after.PaletteIndex != 1 {
		t.Fatalf("expected palette index 1, got %d", after.PaletteIndex)
	}
	for i, body := range after.Bodies {
		changed := body.Color != before.Bodies[i].Color
		if body.Kind.Colored() != changed {
			t.Fatalf("body %d (%s) colour change mismatch: changed=%v", i, body.Kind, changed)
		}
	}

	var palette *events.Envelope
	deadline := time.After(time.Second)
	for palette == nil {
		select {
		case envelope := <-sub.Events():
			if envelope.Kind == events.KindPalette {
				palette = envelope
			}
		case <-deadline:
			t.Fatalf("expected a palette notification")
		}
	}
	detail := palette.Detail.AsMap()
	if detail["palette_index"] != float64(1) || detail["color"] != "#adff00" || detail["client_id"] != "c1" {
		t.Fatalf("unexpected palette detail %#v", detail)
	}
}

func TestPaletteWrapsAround(t *testing.T) {
	engine := newTestEngine(t, "wrap")
	accents := len(config.DefaultScene().Palette)
	for i := 0; i < accents; i++ {
		_ = engine.Submit(Command{Kind: CommandChangeColor})
	}
	if frame := engine.Tick(1.0 / 60); frame.PaletteIndex != 0 {
		t.Fatalf("expected palette to wrap to 0, got %d", frame.PaletteIndex)
	}
}

func TestResetRedrawsBodies(t *testing.T) {
	engine := newTestEngine(t, "reset")
	for i := 0; i < 30; i++ {
		engine.Tick(1.0 / 60)
	}
	before := engine.Latest()
	_ = engine.Submit(Command{Kind: CommandReset})
	after := engine.Tick(1.0 / 60)
	moved := 0
	for i := range after.Bodies {
		if after.Bodies[i].Position.Sub(before.Bodies[i].Position).Len() > 1 {
			moved++
		}
	}
	if moved == 0 {
		t.Fatalf("expected reset to redraw body positions")
	}
}

func TestImpulseDrawsFromSeededRandAfterConstruction(t *testing.T) {
	engine := newTestEngine(t, "kicks")

	//1.- Rebuild the same cluster by hand and continue its stream through rand.Rand.
	scene := config.DefaultScene()
	palette, err := ParsePalette(scene)
	if err != nil {
		t.Fatalf("palette: %v", err)
	}
	source := rng.New("kicks")
	bodies, err := BuildBodies(scene, RosterFor(scene.Counts), palette, 0, source)
	if err != nil {
		t.Fatalf("bodies: %v", err)
	}
	world, err := physics.NewWorld(PhysicsParams(scene), bodies)
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	kicks := source.Rand()
	world.ApplyImpulse(kicks)
	world.ApplyImpulse(kicks)

	//2.- Two engine kicks must land on the same velocities.
	engine.apply(Command{Kind: CommandImpulse})
	engine.apply(Command{Kind: CommandImpulse})
	for i := range bodies {
		if got, want := engine.world.Body(i).Velocity(), world.Body(i).Velocity(); got != want {
			t.Fatalf("body %d velocity %v, want %v", i, got, want)
		}
	}
}

func TestSameSeedReplaysKicksAndResets(t *testing.T) {
	first := newTestEngine(t, "twins")
	second := newTestEngine(t, "twins")
	for _, engine := range []*Engine{first, second} {
		_ = engine.Submit(Command{Kind: CommandImpulse})
		engine.Tick(1.0 / 60)
		_ = engine.Submit(Command{Kind: CommandReset})
		engine.Tick(1.0 / 60)
		_ = engine.Submit(Command{Kind: CommandChangeColor})
		engine.Tick(1.0 / 60)
	}
	a, b := first.Latest(), second.Latest()
	for i := range a.Bodies {
		if a.Bodies[i].Position != b.Bodies[i].Position {
			t.Fatalf("body %d diverged: %v vs %v", i, a.Bodies[i].Position, b.Bodies[i].Position)
		}
	}
}

func TestRecorderSeesCommandsAndFrames(t *testing.T) {
	recorder := &memoryRecorder{fail: errors.New("disk full")}
	engine := newTestEngine(t, "recorder", WithRecorder(recorder))
	engine.Tick(1.0 / 60)
	_ = engine.Submit(Command{Kind: CommandImpulse, ClientID: "a"})
	_ = engine.Submit(Command{Kind: CommandPointer, Active: true})
	engine.Tick(1.0 / 60)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.frames) != 2 {
		t.Fatalf("expected two recorded frames despite write errors, got %d", len(recorder.frames))
	}
	if len(recorder.commands) != 2 || recorder.commands[0].Kind != CommandImpulse {
		t.Fatalf("unexpected recorded commands %+v", recorder.commands)
	}
	if recorder.ticks[0] != 2 || recorder.ticks[1] != 2 {
		t.Fatalf("expected commands stamped with the tick they precede, got %v", recorder.ticks)
	}
}

func TestEngineWithoutNeighbors(t *testing.T) {
	engine := newTestEngine(t, "plain", WithNeighbors(false))
	if frame := engine.Tick(1.0 / 60); frame.Neighbors != nil {
		t.Fatalf("expected no neighbour buffers")
	}
}

func TestEngineTickMonitorObserves(t *testing.T) {
	monitor := NewTickMonitor()
	current := time.Unix(0, 0)
	clock := func() time.Time {
		current = current.Add(time.Millisecond)
		return current
	}
	engine := newTestEngine(t, "monitor", WithTickMonitor(monitor), WithClock(clock))
	engine.Tick(1.0 / 60)
	snapshot := monitor.Snapshot()
	if snapshot.Samples != 1 || snapshot.Last != time.Millisecond {
		t.Fatalf("unexpected tick snapshot %+v", snapshot)
	}
}

func TestEngineDiagnostics(t *testing.T) {
	engine := newTestEngine(t, "diagnostics")
	engine.Tick(1.0 / 60)
	diag := engine.Diagnostics()
	if diag.Bodies != config.DefaultScene().Counts.Total() {
		t.Fatalf("unexpected body count %d", diag.Bodies)
	}
	if diag.KineticEnergy <= 0 || diag.MeanRadialDist <= 0 {
		t.Fatalf("expected moving cluster, got %+v", diag)
	}
	if diag.TransparentCount != 2 {
		t.Fatalf("expected two transparent bodies, got %d", diag.TransparentCount)
	}
}

func TestLatestIsSafeForConcurrentReaders(t *testing.T) {
	engine := newTestEngine(t, "concurrent")
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = EncodeFrame(engine.Latest())
			}
		}()
	}
	for i := 0; i < 50; i++ {
		_ = engine.Submit(Command{Kind: CommandPointer, Active: true, X: 0.2, Y: 0.1})
		engine.Tick(1.0 / 60)
	}
	wg.Wait()
}
