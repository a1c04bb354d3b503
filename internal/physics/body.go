package physics

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
)

// RadiusExpansion inflates the configured radius so neighbouring spheres touch
// slightly before their rendered surfaces do.
const RadiusExpansion = 1.05

// inertiaCoefficient is the solid sphere moment of inertia factor.
const inertiaCoefficient = 0.4

// Random supplies uniform draws in [0, 1).
type Random interface {
	Float64() float64
}

// Material holds the contact constants shared by a class of spheres.
type Material struct {
	Name        string
	Density     float64
	Friction    float64
	Restitution float64
}

// Validate rejects materials that would produce degenerate mass or contact response.
func (m Material) Validate() error {
	var problems []string
	if !(m.Density > 0) {
		problems = append(problems, fmt.Sprintf("density must be positive, got %v", m.Density))
	}
	if m.Friction < 0 || math.IsNaN(m.Friction) {
		problems = append(problems, fmt.Sprintf("friction must be non-negative, got %v", m.Friction))
	}
	if m.Restitution < 0 || math.IsNaN(m.Restitution) {
		problems = append(problems, fmt.Sprintf("restitution must be non-negative, got %v", m.Restitution))
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("material %q: %s", m.Name, strings.Join(problems, "; "))
}

// Appearance carries the attributes the shading stage reads. Physics never changes them.
type Appearance struct {
	Color           mgl32.Vec3
	Roughness       float32
	Semitransparent bool
	Colored         bool
}

// InitialConditions controls the random placement of a freshly drawn body.
type InitialConditions struct {
	PositionSpread float64
	VelocityFactor float64
	BackDepth      float64
}

// DefaultInitialConditions mirrors the stock cluster: a 12 unit cube drifting inward at twice its offset.
func DefaultInitialConditions() InitialConditions {
	return InitialConditions{PositionSpread: 12, VelocityFactor: -2, BackDepth: 7}
}

// BodyDesc describes a sphere before construction.
type BodyDesc struct {
	BaseRadius float64
	Material   Material
	Appearance Appearance
	// Back places the body behind the cluster at construction. Semitransparent
	// bodies are always placed at the back.
	Back bool
}

// Body is one simulated sphere. Position, velocity and orientation are mutated
// only by the World that owns the body.
type Body struct {
	radius   float64
	mass     float64
	inertia  float64
	material Material
	look     Appearance
	back     bool

	position        mgl64.Vec3
	velocity        mgl64.Vec3
	rotation        mgl64.Quat
	angularVelocity mgl64.Vec3
	friction        float64

	position0 mgl64.Vec3
	velocity0 mgl64.Vec3
}

// NewBody validates the descriptor and draws the initial position and velocity.
func NewBody(desc BodyDesc, initial InitialConditions, rnd Random) (*Body, error) {
	if rnd == nil {
		return nil, errors.New("random source is required")
	}
	body, err := newBody(desc)
	if err != nil {
		return nil, err
	}
	body.Redraw(initial, rnd)
	return body, nil
}

// NewBodyAt places a body at an explicit position and velocity, which become its reset state.
func NewBodyAt(desc BodyDesc, position, velocity mgl64.Vec3) (*Body, error) {
	body, err := newBody(desc)
	if err != nil {
		return nil, err
	}
	body.position0 = position
	body.velocity0 = velocity
	body.Reset()
	return body, nil
}

func newBody(desc BodyDesc) (*Body, error) {
	//1.- Reject preconditions eagerly so no later division can see a zero mass.
	if !(desc.BaseRadius > 0) || math.IsInf(desc.BaseRadius, 0) {
		return nil, fmt.Errorf("base radius must be positive, got %v", desc.BaseRadius)
	}
	if err := desc.Material.Validate(); err != nil {
		return nil, err
	}
	//2.- Derive the immutable mass properties from the expanded radius.
	radius := desc.BaseRadius * RadiusExpansion
	mass := SphereMass(radius, desc.Material.Density)
	return &Body{
		radius:   radius,
		mass:     mass,
		inertia:  mass * radius * radius * inertiaCoefficient,
		material: desc.Material,
		look:     desc.Appearance,
		back:     desc.Back || desc.Appearance.Semitransparent,
		rotation: mgl64.QuatIdent(),
	}, nil
}

// SphereMass is the volume of a sphere of the given radius times density.
func SphereMass(radius, density float64) float64 {
	return 4.0 / 3.0 * math.Pi * radius * radius * radius * density
}

// Redraw samples a fresh initial state and resets the body onto it.
func (b *Body) Redraw(initial InitialConditions, rnd Random) {
	spread := initial.PositionSpread
	//1.- Draw x, y, z in order so a seeded stream reproduces the same cluster.
	x := (rnd.Float64() - 0.5) * spread
	y := (rnd.Float64() - 0.5) * spread
	var z float64
	if b.back {
		z = initial.BackDepth + rnd.Float64()
	} else {
		z = (rnd.Float64() - 0.5) * spread / 2
	}
	b.position0 = mgl64.Vec3{x, y, z}
	//2.- Start every body heading toward the origin in proportion to its offset.
	b.velocity0 = b.position0.Mul(initial.VelocityFactor)
	b.Reset()
}

// Reset restores the initial draw and clears rotation and contact damping.
func (b *Body) Reset() {
	b.position = b.position0
	b.velocity = b.velocity0
	b.rotation = mgl64.QuatIdent()
	b.angularVelocity = mgl64.Vec3{}
	b.friction = 0
}

// Radius returns the expanded collision radius.
func (b *Body) Radius() float64 { return b.radius }

// Mass returns the derived mass.
func (b *Body) Mass() float64 { return b.mass }

// Inertia returns the derived moment of inertia.
func (b *Body) Inertia() float64 { return b.inertia }

// Material returns the immutable material constants.
func (b *Body) Material() Material { return b.material }

// Appearance returns the rendering attributes.
func (b *Body) Appearance() Appearance { return b.look }

// Position returns the current centre.
func (b *Body) Position() mgl64.Vec3 { return b.position }

// Velocity returns the current linear velocity.
func (b *Body) Velocity() mgl64.Vec3 { return b.velocity }

// Rotation returns the current orientation.
func (b *Body) Rotation() mgl64.Quat { return b.rotation }

// FrictionAccumulator exposes the transient contact damping term.
func (b *Body) FrictionAccumulator() float64 { return b.friction }

// SetColor recolours a colored body. Uncolored bodies ignore the request.
func (b *Body) SetColor(color mgl32.Vec3) bool {
	if !b.look.Colored {
		return false
	}
	b.look.Color = color
	return true
}

// State is a copy of the public state of one body for a single frame.
type State struct {
	Index           int
	Position        mgl64.Vec3
	Velocity        mgl64.Vec3
	Rotation        mgl64.Quat
	AngularVelocity mgl64.Vec3
	Radius          float64
	Mass            float64
	Appearance      Appearance
}

func (b *Body) state(index int) State {
	return State{
		Index:           index,
		Position:        b.position,
		Velocity:        b.velocity,
		Rotation:        b.rotation,
		AngularVelocity: b.angularVelocity,
		Radius:          b.radius,
		Mass:            b.mass,
		Appearance:      b.look,
	}
}
