package simulation

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/exp/rand"

	"floatingspheres/broker/internal/config"
	"floatingspheres/broker/internal/events"
	"floatingspheres/broker/internal/logging"
	"floatingspheres/broker/internal/neighbors"
	"floatingspheres/broker/internal/physics"
	"floatingspheres/broker/internal/rng"
)

// Recorder receives every applied command and every produced frame, in order.
// Commands are stamped with the tick whose step they precede.
type Recorder interface {
	RecordCommand(tick uint64, elapsed float64, cmd Command) error
	RecordFrame(frame Frame) error
}

// Option customises engine construction.
type Option func(*Engine)

// WithLogger overrides the engine logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

// WithEvents publishes lifecycle notifications to the stream.
func WithEvents(stream *events.Stream) Option {
	return func(e *Engine) { e.events = stream }
}

// WithRecorder mirrors commands and frames into a replay sink.
func WithRecorder(recorder Recorder) Option {
	return func(e *Engine) { e.recorder = recorder }
}

// WithTickMonitor records how long each tick takes.
func WithTickMonitor(monitor *TickMonitor) Option {
	return func(e *Engine) { e.monitor = monitor }
}

// WithClock overrides the wall clock used for tick timing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithAspect sets the viewport aspect used to unproject pointer commands.
func WithAspect(aspect float64) Option {
	return func(e *Engine) {
		if aspect > 0 {
			e.aspect = aspect
		}
	}
}

// WithNeighbors toggles neighbour packing in published frames.
func WithNeighbors(enabled bool) Option {
	return func(e *Engine) { e.packNeighbors = enabled }
}

// Engine is the single writer of the sphere world. Commands may be submitted
// from any goroutine; they are applied at the start of the next Tick.
type Engine struct {
	queueMu sync.Mutex
	queue   []Command

	frameMu sync.RWMutex
	latest  Frame
	energy  float64

	tickMu        sync.Mutex
	scene         *config.Scene
	seed          string
	rnd           *rng.SFC32
	kicks         *rand.Rand
	world         *physics.World
	roster        Roster
	palette       Palette
	paletteIndex  int
	packer        *neighbors.Packer
	packNeighbors bool
	aspect        float64
	pointer       *Command
	tick          uint64
	elapsed       float64

	log      *logging.Logger
	events   *events.Stream
	recorder Recorder
	monitor  *TickMonitor
	now      func() time.Time
}

// NewEngine builds the roster of the scene from the seed and publishes the
// initial frame.
func NewEngine(scene *config.Scene, seed string, opts ...Option) (*Engine, error) {
	if scene == nil {
		return nil, errors.New("scene is required")
	}
	if err := scene.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scene: %w", err)
	}
	owned, err := scene.Clone()
	if err != nil {
		return nil, err
	}
	palette, err := ParsePalette(owned)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		scene:         owned,
		seed:          seed,
		rnd:           rng.New(seed),
		roster:        RosterFor(owned.Counts),
		palette:       palette,
		packer:        neighbors.NewPacker(owned.NeighborCapacity),
		packNeighbors: true,
		aspect:        1,
		log:           logging.L(),
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}

	//1.- Bodies draw their initial state from the seeded stream in roster order.
	bodies, err := BuildBodies(owned, engine.roster, palette, engine.paletteIndex, engine.rnd)
	if err != nil {
		return nil, err
	}
	engine.world, err = physics.NewWorld(PhysicsParams(owned), bodies)
	if err != nil {
		return nil, err
	}
	// Kicks and redraws continue the same seeded stream after construction.
	engine.kicks = engine.rnd.Rand()

	//2.- Publish tick zero so readers never observe an empty frame.
	engine.publish(0, engine.world.KineticEnergy())
	engine.log.Info("simulation engine ready",
		logging.String("seed", seed),
		logging.Int("bodies", len(bodies)),
		logging.Int("neighbor_capacity", engine.packer.Capacity(len(bodies))),
	)
	engine.notify(events.KindStarted, map[string]any{"seed": seed, "bodies": len(bodies)})
	return engine, nil
}

// Seed returns the seed string the engine was built from.
func (e *Engine) Seed() string { return e.seed }

// Scene returns a copy of the scene the engine runs.
func (e *Engine) Scene() (*config.Scene, error) { return e.scene.Clone() }

// Roster returns the kind of every body in index order.
func (e *Engine) Roster() Roster {
	return append(Roster(nil), e.roster...)
}

// Submit validates and queues a command for the next tick.
func (e *Engine) Submit(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	e.queueMu.Lock()
	e.queue = append(e.queue, cmd)
	e.queueMu.Unlock()
	return nil
}

// Pending reports how many commands wait for the next tick.
func (e *Engine) Pending() int {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return len(e.queue)
}

// Tick drains the command queue, advances the world by dt and publishes the
// resulting frame.
func (e *Engine) Tick(dt float64) Frame {
	started := e.now()

	e.queueMu.Lock()
	commands := e.queue
	e.queue = nil
	e.queueMu.Unlock()

	e.tickMu.Lock()
	//1.- Apply queued commands in submission order before integrating.
	for _, cmd := range commands {
		e.apply(cmd)
	}

	//2.- Unproject the pointer with the breathing camera of the current time.
	step := e.world.ClampDelta(dt)
	var ray *physics.Ray
	if e.pointer != nil {
		r := e.cameraAt(e.elapsed).PointerRay(e.pointer.X, e.pointer.Y)
		ray = &r
	}
	e.world.Step(step, ray)
	e.tick++
	e.elapsed += step
	frame := e.publish(step, e.world.KineticEnergy())
	e.tickMu.Unlock()

	//3.- Persist after publishing so slow disks never delay readers.
	if e.recorder != nil {
		if err := e.recorder.RecordFrame(frame); err != nil {
			e.log.Warn("replay frame write failed", logging.Error(err), logging.Uint64("tick", frame.Tick))
		}
	}
	if e.monitor != nil {
		e.monitor.Observe(e.now().Sub(started))
	}
	return frame
}

// Camera returns the breathing camera of the latest published frame.
func (e *Engine) Camera() physics.Camera {
	e.frameMu.RLock()
	elapsed := e.latest.Elapsed
	e.frameMu.RUnlock()
	return e.cameraAt(elapsed)
}

func (e *Engine) cameraAt(elapsed float64) physics.Camera {
	cam := e.scene.Rendering.Camera
	return CameraFor(e.scene, e.aspect).Breathing(elapsed, cam.BreathAmplitude, cam.BreathFrequency)
}

// Latest returns the most recently published frame.
func (e *Engine) Latest() Frame {
	e.frameMu.RLock()
	defer e.frameMu.RUnlock()
	return e.latest
}

// Diagnostics summarises the latest frame.
func (e *Engine) Diagnostics() Diagnostics {
	e.frameMu.RLock()
	frame, energy := e.latest, e.energy
	e.frameMu.RUnlock()
	return Diagnose(frame, energy)
}

func (e *Engine) apply(cmd Command) {
	if e.recorder != nil {
		if err := e.recorder.RecordCommand(e.tick+1, e.elapsed, cmd); err != nil {
			e.log.Warn("replay command write failed", logging.Error(err), logging.String("type", string(cmd.Kind)))
		}
	}
	switch cmd.Kind {
	case CommandPointer:
		if !cmd.Active {
			e.pointer = nil
			return
		}
		pointer := cmd
		pointer.X = mgl64.Clamp(cmd.X, -1, 1)
		pointer.Y = mgl64.Clamp(cmd.Y, -1, 1)
		e.pointer = &pointer
	case CommandChangeColor:
		e.changeColor(cmd.ClientID)
	case CommandReset:
		e.world.Redraw(InitialConditions(e.scene), e.kicks)
		e.pointer = nil
		e.log.Info("simulation reset", logging.Uint64("tick", e.tick), logging.String("client_id", cmd.ClientID))
		e.notify(events.KindReset, map[string]any{"client_id": cmd.ClientID})
	case CommandImpulse:
		e.world.ApplyImpulse(e.kicks)
		e.notify(events.KindImpulse, map[string]any{"client_id": cmd.ClientID})
	}
}

func (e *Engine) changeColor(clientID string) {
	//1.- Advance the palette and recolour the bodies that follow it.
	e.paletteIndex = (e.paletteIndex + 1) % len(e.palette.Accents)
	for idx, kind := range e.roster {
		if kind.Colored() {
			e.world.Body(idx).SetColor(e.palette.ColorFor(kind, e.paletteIndex))
		}
	}
	//2.- Scatter the cluster for visual feedback.
	e.world.ApplyImpulse(e.kicks)
	accent := e.palette.Accent(e.paletteIndex)
	hex := fmt.Sprintf("#%02x%02x%02x", channelByte(accent.X()), channelByte(accent.Y()), channelByte(accent.Z()))
	e.log.Info("palette advanced", logging.Int("palette_index", e.paletteIndex), logging.String("color", hex))
	e.notify(events.KindPalette, map[string]any{"palette_index": e.paletteIndex, "color": hex, "client_id": clientID})
}

func (e *Engine) publish(step, energy float64) Frame {
	states := e.world.Snapshot()
	frame := Frame{
		Tick:         e.tick,
		Elapsed:      e.elapsed,
		Delta:        step,
		PaletteIndex: e.paletteIndex,
		Bodies:       make([]BodyFrame, len(states)),
		Order:        BackToFront(states, e.cameraAt(e.elapsed).Position),
	}
	for i, state := range states {
		look := state.Appearance
		frame.Bodies[i] = BodyFrame{
			Index:           state.Index,
			Kind:            e.roster[i],
			Position:        state.Position,
			Velocity:        state.Velocity,
			Rotation:        state.Rotation,
			Radius:          state.Radius,
			Color:           look.Color,
			Roughness:       look.Roughness,
			Semitransparent: look.Semitransparent,
			Colored:         look.Colored,
		}
	}
	if e.packNeighbors {
		frame.Neighbors = e.packer.Pack(states)
	}
	e.frameMu.Lock()
	e.latest = frame
	e.energy = energy
	e.frameMu.Unlock()
	return frame
}

func (e *Engine) notify(kind events.Kind, detail map[string]any) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Publish(kind, e.tick, detail); err != nil {
		e.log.Warn("lifecycle event publish failed", logging.Error(err), logging.String("kind", string(kind)))
	}
}

func channelByte(v float32) uint8 {
	return uint8(math.Round(float64(mgl64.Clamp(float64(v), 0, 1)) * 255))
}
