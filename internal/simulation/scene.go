package simulation

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	hsluv "github.com/hsluv/hsluv-go"

	"floatingspheres/broker/internal/config"
	"floatingspheres/broker/internal/physics"
	"floatingspheres/broker/internal/rng"
	"floatingspheres/broker/internal/shading"
)

// Kind classifies a sphere by colour family and surface finish.
type Kind uint8

const (
	KindColoredMatte Kind = iota
	KindColoredGlossy
	KindWhiteMatte
	KindWhiteGlossy
	KindBlackMatte
	KindBlackGlossy
	KindTransparentWhite
	KindTransparentTinted
)

var kindNames = [...]string{
	"colored_matte", "colored_glossy", "white_matte", "white_glossy",
	"black_matte", "black_glossy", "transparent_white", "transparent_tinted",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Colored reports whether the kind follows the palette.
func (k Kind) Colored() bool {
	return k == KindColoredMatte || k == KindColoredGlossy || k == KindTransparentTinted
}

// Semitransparent reports whether the kind is drawn with refraction.
func (k Kind) Semitransparent() bool {
	return k == KindTransparentWhite || k == KindTransparentTinted
}

func (k Kind) glossy() bool {
	return k == KindColoredGlossy || k == KindWhiteGlossy || k == KindBlackGlossy
}

// material maps each kind onto one of the configured material classes.
func (k Kind) material() string {
	switch {
	case k.Semitransparent():
		return config.MaterialGlass
	case k == KindBlackMatte || k == KindBlackGlossy:
		return config.MaterialStone
	case k.glossy():
		return config.MaterialHardPlastic
	default:
		return config.MaterialSoftPlastic
	}
}

// Roster is the ordered list of sphere kinds a scene produces.
type Roster []Kind

// RosterFor expands the scene counts in the fixed kind order.
func RosterFor(counts config.Counts) Roster {
	per := []int{
		counts.ColoredMatte, counts.ColoredGlossy, counts.WhiteMatte, counts.WhiteGlossy,
		counts.BlackMatte, counts.BlackGlossy, counts.TransparentWhite, counts.TransparentTinted,
	}
	roster := make(Roster, 0, counts.Total())
	for kind, count := range per {
		for i := 0; i < count; i++ {
			roster = append(roster, Kind(kind))
		}
	}
	return roster
}

// Palette holds the parsed scene colours.
type Palette struct {
	Accents       []mgl32.Vec3
	White         mgl32.Vec3
	Black         mgl32.Vec3
	TintLightness float64
}

// ParsePalette converts the scene's hex colours.
func ParsePalette(scene *config.Scene) (Palette, error) {
	var palette Palette
	for _, hex := range scene.Palette {
		c, err := ParseHexColor(hex)
		if err != nil {
			return Palette{}, err
		}
		palette.Accents = append(palette.Accents, c)
	}
	if len(palette.Accents) == 0 {
		return Palette{}, fmt.Errorf("palette must contain at least one colour")
	}
	var err error
	if palette.White, err = ParseHexColor(scene.White); err != nil {
		return Palette{}, err
	}
	if palette.Black, err = ParseHexColor(scene.Black); err != nil {
		return Palette{}, err
	}
	palette.TintLightness = scene.TintLightness
	return palette, nil
}

// Accent returns the palette entry at index, wrapping around.
func (p Palette) Accent(index int) mgl32.Vec3 {
	n := len(p.Accents)
	return p.Accents[((index%n)+n)%n]
}

// ColorFor returns the colour a sphere of the given kind wears for a palette index.
func (p Palette) ColorFor(kind Kind, index int) mgl32.Vec3 {
	switch kind {
	case KindColoredMatte, KindColoredGlossy:
		return p.Accent(index)
	case KindTransparentTinted:
		return Tint(p.Accent(index), p.TintLightness)
	case KindBlackMatte, KindBlackGlossy:
		return p.Black
	default:
		return p.White
	}
}

// ParseHexColor reads #rrggbb into a linear 0..1 triple.
func ParseHexColor(hex string) (mgl32.Vec3, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(trimmed) != 6 {
		return mgl32.Vec3{}, fmt.Errorf("colour %q must be #rrggbb", hex)
	}
	value, err := strconv.ParseUint(trimmed, 16, 32)
	if err != nil {
		return mgl32.Vec3{}, fmt.Errorf("colour %q: %w", hex, err)
	}
	return mgl32.Vec3{
		float32((value>>16)&0xff) / 255,
		float32((value>>8)&0xff) / 255,
		float32(value&0xff) / 255,
	}, nil
}

// Tint lifts the perceptual lightness of c by the given HSLuv points.
func Tint(c mgl32.Vec3, lightness float64) mgl32.Vec3 {
	h, s, l := hsluv.HsluvFromRGB(float64(c.X()), float64(c.Y()), float64(c.Z()))
	l = math.Min(100, math.Max(0, l+lightness))
	r, g, b := hsluv.HsluvToRGB(h, s, l)
	return mgl32.Vec3{
		float32(math.Min(1, math.Max(0, r))),
		float32(math.Min(1, math.Max(0, g))),
		float32(math.Min(1, math.Max(0, b))),
	}
}

// PhysicsParams converts the scene tuning into integrator parameters.
func PhysicsParams(scene *config.Scene) physics.Params {
	p := scene.Physics
	return physics.Params{
		GravityEnabled:    p.Gravity.Enabled,
		GravityFactor:     p.Gravity.Factor,
		CollisionsEnabled: p.Collisions.Enabled,
		MouseEnabled:      p.Mouse.Enabled,
		InfluenceRadius:   p.Mouse.InfluenceRadius,
		PushForce:         p.Mouse.PushForce,
		Damping:           p.Damping,
		MaxDeltaTime:      p.MaxDeltaTime,
		ImpulseGravity:    p.Impulse.GravityForce,
		ImpulseRandom:     p.Impulse.RandomStrength,
	}
}

// InitialConditions returns the random placement tuning of the scene.
func InitialConditions(scene *config.Scene) physics.InitialConditions {
	return physics.InitialConditions{
		PositionSpread: scene.Physics.PositionSpread,
		VelocityFactor: scene.Physics.VelocityFactor,
		BackDepth:      scene.Physics.BackDepth,
	}
}

// CameraFor builds the scene camera for a viewport aspect ratio.
func CameraFor(scene *config.Scene, aspect float64) physics.Camera {
	cam := scene.Rendering.Camera
	return physics.Camera{
		Position: mgl64.Vec3(cam.Position),
		Target:   mgl64.Vec3(cam.Target),
		Up:       mgl64.Vec3{0, 1, 0},
		FovY:     cam.Fov,
		Aspect:   aspect,
		Near:     cam.Near,
		Far:      cam.Far,
	}
}

// BuildBodies creates one body per roster entry in roster order. Bodies draw
// their initial conditions from rnd in that order, so equal seeds give equal scenes.
func BuildBodies(scene *config.Scene, roster Roster, palette Palette, paletteIndex int, rnd physics.Random) ([]*physics.Body, error) {
	initial := InitialConditions(scene)
	bodies := make([]*physics.Body, 0, len(roster))
	for idx, kind := range roster {
		materialName := kind.material()
		m, ok := scene.Materials[materialName]
		if !ok {
			return nil, fmt.Errorf("body %d: material %q is not configured", idx, materialName)
		}
		desc := physics.BodyDesc{
			BaseRadius: scene.BaseRadius,
			Material: physics.Material{
				Name:        materialName,
				Density:     m.Density,
				Friction:    m.Friction,
				Restitution: m.Restitution,
			},
			Appearance: physics.Appearance{
				Color:           palette.ColorFor(kind, paletteIndex),
				Roughness:       roughnessFor(scene, kind),
				Semitransparent: kind.Semitransparent(),
				Colored:         kind.Colored(),
			},
		}
		body, err := physics.NewBody(desc, initial, rnd)
		if err != nil {
			return nil, fmt.Errorf("body %d (%s): %w", idx, kind, err)
		}
		bodies = append(bodies, body)
	}
	return bodies, nil
}

func roughnessFor(scene *config.Scene, kind Kind) float32 {
	r := scene.Rendering.Roughness
	switch {
	case kind.Semitransparent():
		return float32(r.Transparent)
	case kind.glossy():
		return float32(r.Glossy)
	default:
		return float32(r.Matte)
	}
}

// SceneRenderer builds a reference renderer cleared and lit the way the
// scene describes. The noise field is seeded from the run seed so previews of
// the same run share their dithering.
func SceneRenderer(scene *config.Scene, seed string, width, height int) (*shading.Renderer, error) {
	if scene == nil {
		return nil, fmt.Errorf("scene is required")
	}
	background, err := ParseHexColor(scene.Rendering.Background)
	if err != nil {
		return nil, fmt.Errorf("background: %w", err)
	}
	light := scene.Rendering.Light
	lightPos := mgl32.Vec3{float32(light[0]), float32(light[1]), float32(light[2])}
	return shading.NewRenderer(width, height, background, lightPos, int64(rng.New(seed).Uint64())), nil
}
