package physics

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

const (
	// MaxAngularSpeed caps the derived spin in radians per second.
	MaxAngularSpeed = 10.0
	// MinMouseDeltaTime bounds the divisor that converts the pointer nudge into a velocity.
	MinMouseDeltaTime = 1.0 / 240.0
	// DefaultMaxDeltaTime bounds a single step after a stall.
	DefaultMaxDeltaTime = 0.1

	restingSpeedSq = 1e-4
	spinPerSpeed   = 0.5
	frictionDecay  = 0.5
)

// Params tunes one World. All values are read-only after construction.
type Params struct {
	GravityEnabled    bool
	GravityFactor     float64
	CollisionsEnabled bool
	MouseEnabled      bool
	InfluenceRadius   float64
	PushForce         float64
	Damping           float64
	MaxDeltaTime      float64
	ImpulseGravity    float64
	ImpulseRandom     float64
}

// DefaultParams returns the stock cluster tuning.
func DefaultParams() Params {
	return Params{
		GravityEnabled:    true,
		GravityFactor:     40,
		CollisionsEnabled: true,
		MouseEnabled:      true,
		InfluenceRadius:   0.025,
		PushForce:         0.12,
		Damping:           0.2,
		MaxDeltaTime:      DefaultMaxDeltaTime,
		ImpulseGravity:    10,
		ImpulseRandom:     80,
	}
}

// Validate reports parameters that would make the integrator unstable.
func (p Params) Validate() error {
	switch {
	case !(p.Damping > 0) || p.Damping > 1:
		return fmt.Errorf("damping must be in (0, 1], got %v", p.Damping)
	case !(p.MaxDeltaTime > 0):
		return fmt.Errorf("max delta time must be positive, got %v", p.MaxDeltaTime)
	case p.GravityFactor < 0:
		return fmt.Errorf("gravity factor must be non-negative, got %v", p.GravityFactor)
	case p.InfluenceRadius < 0 || p.PushForce < 0:
		return errors.New("mouse influence and push must be non-negative")
	}
	return nil
}

// Ray is a world-space half line with a unit direction.
type Ray struct {
	Origin    mgl64.Vec3
	Direction mgl64.Vec3
}

// World owns a fixed set of bodies and advances them.
type World struct {
	params Params
	bodies []*Body
}

// NewWorld takes ownership of the bodies. The set never grows or shrinks afterwards.
func NewWorld(params Params, bodies []*Body) (*World, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	for idx, body := range bodies {
		if body == nil {
			return nil, fmt.Errorf("body %d is nil", idx)
		}
	}
	owned := make([]*Body, len(bodies))
	copy(owned, bodies)
	return &World{params: params, bodies: owned}, nil
}

// Params returns the tuning the world was built with.
func (w *World) Params() Params { return w.params }

// Len reports the fixed body count.
func (w *World) Len() int { return len(w.bodies) }

// Body exposes a body for read access and recolouring.
func (w *World) Body(index int) *Body { return w.bodies[index] }

// ClampDelta bounds dt to (0, MaxDeltaTime]; non-positive or NaN inputs return 0.
func (w *World) ClampDelta(dt float64) float64 {
	if !(dt > 0) {
		return 0
	}
	return math.Min(dt, w.params.MaxDeltaTime)
}

// Step advances every body by dt. The pointer ray is optional.
func (w *World) Step(dt float64, pointer *Ray) {
	//1.- Clamp the step so a stalled host cannot tunnel bodies through each other.
	dt = w.ClampDelta(dt)
	if dt == 0 {
		return
	}
	//2.- Pull every body toward the origin, softened by recent contact.
	if w.params.GravityEnabled {
		for _, body := range w.bodies {
			w.applyGravity(body, dt)
		}
	}
	//3.- Separate overlapping pairs and exchange impulses.
	if w.params.CollisionsEnabled {
		w.ResolveCollisions()
	}
	//4.- Push bodies away from the pointer ray.
	if w.params.MouseEnabled && pointer != nil {
		if direction, ok := safeNormalize(pointer.Direction); ok {
			ray := Ray{Origin: pointer.Origin, Direction: direction}
			for _, body := range w.bodies {
				w.applyPointer(body, ray, dt)
			}
		}
	}
	//5.- Spin from the motion then integrate translation with damping.
	for _, body := range w.bodies {
		integrateAngular(body, dt)
		integrateLinear(body, dt, w.params.Damping)
	}
}

func (w *World) applyGravity(body *Body, dt float64) {
	force := body.position.Mul(-w.params.GravityFactor)
	acceleration := force.Mul(1 / body.mass / (1 + body.friction))
	body.velocity = body.velocity.Add(acceleration.Mul(dt))
	body.friction *= frictionDecay
}

// ResolveCollisions runs one pass of pairwise separation and impulse exchange.
func (w *World) ResolveCollisions() {
	for i := 0; i < len(w.bodies); i++ {
		for j := i + 1; j < len(w.bodies); j++ {
			resolvePair(w.bodies[i], w.bodies[j])
		}
	}
}

func resolvePair(a, b *Body) {
	delta := a.position.Sub(b.position)
	minDist := a.radius + b.radius
	distSq := lengthSq(delta)
	if distSq >= minDist*minDist {
		return
	}
	//1.- Coincident centres separate along +Y instead of producing a NaN normal.
	dist := math.Sqrt(distSq)
	normal := mgl64.Vec3{0, 1, 0}
	if dist > degenerateLength {
		normal = delta.Mul(1 / dist)
	}
	//2.- Split the overlap evenly between the two bodies.
	correction := (minDist - dist) * 0.5
	a.position = a.position.Add(normal.Mul(correction))
	b.position = b.position.Sub(normal.Mul(correction))
	//3.- Contact feeds both accumulators so gravity eases off bodies in sustained contact.
	frictionMix := math.Sqrt(a.material.Friction * b.material.Friction)
	a.friction += frictionMix
	b.friction += frictionMix
	//4.- Exchange an impulse only while the pair is still approaching.
	approach := a.velocity.Sub(b.velocity).Dot(normal)
	if approach >= 0 {
		return
	}
	restitution := (a.material.Restitution + b.material.Restitution) * 0.5
	impulse := -(1 + restitution) * approach / (1/a.mass + 1/b.mass)
	scale := impulse / (1 + frictionMix)
	a.velocity = a.velocity.Add(normal.Mul(scale / a.mass))
	b.velocity = b.velocity.Sub(normal.Mul(scale / b.mass))
}

func (w *World) applyPointer(body *Body, ray Ray, dt float64) {
	//1.- Closest point on the forward half of the ray to the body centre.
	toCentre := body.position.Sub(ray.Origin)
	t := math.Max(0, toCentre.Dot(ray.Direction))
	offset := toCentre.Sub(ray.Direction.Mul(t))
	dist := offset.Len()
	minDist := body.radius + w.params.InfluenceRadius
	if dist >= minDist {
		return
	}
	away, ok := safeNormalize(offset)
	if !ok {
		away = perpendicular(ray.Direction)
	}
	//2.- Nudge the position and convert the same nudge into a bounded velocity kick.
	push := w.params.PushForce * (1 - dist/minDist)
	body.position = body.position.Add(away.Mul(push))
	body.velocity = body.velocity.Add(away.Mul(push / math.Max(dt, MinMouseDeltaTime)))
}

// ApplyImpulse scatters the cluster: velocities are reflected and kicked by an
// outward spring force plus a random component, scaled by inverse mass.
func (w *World) ApplyImpulse(rnd Random) {
	for _, body := range w.bodies {
		force := body.position.Mul(-w.params.ImpulseGravity)
		random := mgl64.Vec3{rnd.Float64() - 0.5, rnd.Float64() - 0.5, rnd.Float64() - 0.5}.Mul(w.params.ImpulseRandom)
		acceleration := force.Add(random).Mul(1 / body.mass)
		body.velocity = body.velocity.Mul(-1).Add(acceleration)
	}
}

// Reset restores every body to its last initial draw.
func (w *World) Reset() {
	for _, body := range w.bodies {
		body.Reset()
	}
}

// Redraw samples fresh initial conditions for every body in index order.
func (w *World) Redraw(initial InitialConditions, rnd Random) {
	for _, body := range w.bodies {
		body.Redraw(initial, rnd)
	}
}

// KineticEnergy sums the translational kinetic energy of all bodies.
func (w *World) KineticEnergy() float64 {
	var total float64
	for _, body := range w.bodies {
		total += 0.5 * body.mass * lengthSq(body.velocity)
	}
	return total
}

// Snapshot copies the public state of every body in index order.
func (w *World) Snapshot() []State {
	out := make([]State, len(w.bodies))
	for idx, body := range w.bodies {
		out[idx] = body.state(idx)
	}
	return out
}
