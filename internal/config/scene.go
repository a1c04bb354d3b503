package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	_ "embed"

	"github.com/jinzhu/copier"
	"gopkg.in/yaml.v3"
)

// Material class identifiers referenced by the sphere roster.
const (
	MaterialSoftPlastic = "soft_plastic"
	MaterialHardPlastic = "hard_plastic"
	MaterialGlass       = "glass"
	MaterialStone       = "stone"
)

// Scene describes the sphere roster and the tuning of the physics and shading stages.
type Scene struct {
	Palette          []string            `yaml:"palette"`
	White            string              `yaml:"white"`
	Black            string              `yaml:"black"`
	TintLightness    float64             `yaml:"tint_lightness"`
	BaseRadius       float64             `yaml:"base_radius"`
	NeighborCapacity int                 `yaml:"neighbor_capacity"`
	Counts           Counts              `yaml:"counts"`
	Materials        map[string]Material `yaml:"materials"`
	Physics          Physics             `yaml:"physics"`
	Rendering        Rendering           `yaml:"rendering"`
}

// Counts enumerates how many spheres of each kind the roster contains.
type Counts struct {
	ColoredMatte      int `yaml:"colored_matte"`
	ColoredGlossy     int `yaml:"colored_glossy"`
	WhiteMatte        int `yaml:"white_matte"`
	WhiteGlossy       int `yaml:"white_glossy"`
	BlackMatte        int `yaml:"black_matte"`
	BlackGlossy       int `yaml:"black_glossy"`
	TransparentWhite  int `yaml:"transparent_white"`
	TransparentTinted int `yaml:"transparent_tinted"`
}

// Total sums all roster entries.
func (c Counts) Total() int {
	return c.ColoredMatte + c.ColoredGlossy + c.WhiteMatte + c.WhiteGlossy +
		c.BlackMatte + c.BlackGlossy + c.TransparentWhite + c.TransparentTinted
}

func (c *Counts) fields() []*int {
	return []*int{
		&c.ColoredMatte, &c.ColoredGlossy, &c.WhiteMatte, &c.WhiteGlossy,
		&c.BlackMatte, &c.BlackGlossy, &c.TransparentWhite, &c.TransparentTinted,
	}
}

// Material holds the immutable contact constants of a material class.
type Material struct {
	Density     float64 `yaml:"density"`
	Friction    float64 `yaml:"friction"`
	Restitution float64 `yaml:"restitution"`
}

// Physics groups the integrator tunables.
type Physics struct {
	Gravity        Gravity    `yaml:"gravity"`
	Collisions     Toggle     `yaml:"collisions"`
	Mouse          Mouse      `yaml:"mouse"`
	Damping        float64    `yaml:"damping"`
	PositionSpread float64    `yaml:"position_spread"`
	VelocityFactor float64    `yaml:"velocity_factor"`
	BackDepth      float64    `yaml:"back_depth"`
	MaxDeltaTime   float64    `yaml:"max_delta_time"`
	Impulse        ImpulseCfg `yaml:"impulse"`
}

// Gravity configures the linear spring toward the origin.
type Gravity struct {
	Enabled bool    `yaml:"enabled"`
	Factor  float64 `yaml:"factor"`
}

// Toggle is a bare on/off switch.
type Toggle struct {
	Enabled bool `yaml:"enabled"`
}

// Mouse configures pointer ray repulsion.
type Mouse struct {
	Enabled         bool    `yaml:"enabled"`
	InfluenceRadius float64 `yaml:"influence_radius"`
	PushForce       float64 `yaml:"push_force"`
}

// ImpulseCfg configures the kick applied when the palette advances.
type ImpulseCfg struct {
	GravityForce   float64 `yaml:"gravity_force"`
	RandomStrength float64 `yaml:"random_strength"`
}

// Rendering groups values consumed by renderers and pointer unprojection.
type Rendering struct {
	Background string     `yaml:"background"`
	Light      [3]float64 `yaml:"light"`
	Roughness  Roughness  `yaml:"roughness"`
	Camera     Camera     `yaml:"camera"`
}

// Roughness per surface finish.
type Roughness struct {
	Matte       float64 `yaml:"matte"`
	Glossy      float64 `yaml:"glossy"`
	Transparent float64 `yaml:"transparent"`
}

// Camera describes the perspective camera and its idle breathing motion.
type Camera struct {
	Fov             float64    `yaml:"fov"`
	Near            float64    `yaml:"near"`
	Far             float64    `yaml:"far"`
	Position        [3]float64 `yaml:"position"`
	Target          [3]float64 `yaml:"target"`
	BreathAmplitude float64    `yaml:"breath_amplitude"`
	BreathFrequency float64    `yaml:"breath_frequency"`
}

//go:embed default_scene.yaml
var defaultScenePayload []byte

var (
	defaultOnce  sync.Once
	defaultScene Scene
	defaultErr   error
)

var hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// DefaultScene returns a private copy of the built-in scene.
func DefaultScene() *Scene {
	defaultOnce.Do(func() {
		//1.- Parse the embedded YAML payload exactly once in a threadsafe manner.
		defaultErr = decodeScene(bytes.NewReader(defaultScenePayload), &defaultScene)
	})
	//2.- Panic immediately when the embedded scene cannot be decoded to avoid silent divergence.
	if defaultErr != nil {
		panic(defaultErr)
	}
	//3.- Deep copy the cached scene so callers cannot mutate shared slices or maps.
	out, err := defaultScene.Clone()
	if err != nil {
		panic(err)
	}
	return out
}

// LoadScene decodes a YAML scene file layered over the defaults. An empty path
// returns the defaults untouched.
func LoadScene(path string) (*Scene, error) {
	scene := DefaultScene()
	if strings.TrimSpace(path) == "" {
		return scene, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scene: %w", err)
	}
	defer file.Close()
	if err := decodeScene(file, scene); err != nil {
		return nil, fmt.Errorf("decode scene %s: %w", path, err)
	}
	if err := scene.Validate(); err != nil {
		return nil, fmt.Errorf("scene %s: %w", path, err)
	}
	return scene, nil
}

// ParseScene decodes an in-memory YAML scene layered over the defaults.
func ParseScene(data []byte) (*Scene, error) {
	scene := DefaultScene()
	if err := decodeScene(bytes.NewReader(data), scene); err != nil {
		return nil, fmt.Errorf("decode scene: %w", err)
	}
	if err := scene.Validate(); err != nil {
		return nil, err
	}
	return scene, nil
}

// YAML renders the scene in the same document layout LoadScene accepts.
func (s *Scene) YAML() ([]byte, error) {
	return yaml.Marshal(s)
}

func decodeScene(r io.Reader, scene *Scene) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(scene); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Clone performs a deep copy of the scene.
func (s *Scene) Clone() (*Scene, error) {
	out := &Scene{}
	if err := copier.CopyWithOption(out, s, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("clone scene: %w", err)
	}
	return out, nil
}

// Effective returns the scene adjusted for the device profile. Mobile halves
// every roster count (keeping at least one) and drops transparent spheres.
func (s *Scene) Effective(mobile bool) (*Scene, error) {
	out, err := s.Clone()
	if err != nil {
		return nil, err
	}
	if !mobile {
		return out, nil
	}
	for _, count := range out.Counts.fields() {
		*count = max(1, *count/2)
	}
	out.Counts.TransparentWhite = 0
	out.Counts.TransparentTinted = 0
	return out, nil
}

// Validate aggregates every problem with the scene into one error.
func (s *Scene) Validate() error {
	var problems []string

	if len(s.Palette) == 0 {
		problems = append(problems, "palette must contain at least one colour")
	}
	for _, color := range append(append([]string{}, s.Palette...), s.White, s.Black, s.Rendering.Background) {
		if !hexColor.MatchString(color) {
			problems = append(problems, fmt.Sprintf("colour %q must be #rrggbb", color))
		}
	}
	if s.BaseRadius <= 0 {
		problems = append(problems, fmt.Sprintf("base_radius must be positive, got %v", s.BaseRadius))
	}
	if s.NeighborCapacity < 0 {
		problems = append(problems, fmt.Sprintf("neighbor_capacity must be non-negative, got %d", s.NeighborCapacity))
	}
	for _, count := range s.Counts.fields() {
		if *count < 0 {
			problems = append(problems, "counts must be non-negative")
			break
		}
	}
	if s.Counts.Total() == 0 {
		problems = append(problems, "counts must describe at least one sphere")
	}
	for _, name := range []string{MaterialSoftPlastic, MaterialHardPlastic, MaterialGlass, MaterialStone} {
		material, ok := s.Materials[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("material %q is missing", name))
			continue
		}
		if material.Density <= 0 {
			problems = append(problems, fmt.Sprintf("material %q density must be positive", name))
		}
		if material.Friction < 0 || material.Restitution < 0 {
			problems = append(problems, fmt.Sprintf("material %q friction and restitution must be non-negative", name))
		}
	}
	if s.Physics.Damping <= 0 || s.Physics.Damping > 1 {
		problems = append(problems, fmt.Sprintf("physics.damping must be in (0, 1], got %v", s.Physics.Damping))
	}
	if s.Physics.MaxDeltaTime <= 0 {
		problems = append(problems, "physics.max_delta_time must be positive")
	}
	if s.Physics.PositionSpread <= 0 {
		problems = append(problems, "physics.position_spread must be positive")
	}
	if s.Physics.Mouse.InfluenceRadius < 0 || s.Physics.Mouse.PushForce < 0 {
		problems = append(problems, "physics.mouse values must be non-negative")
	}
	cam := s.Rendering.Camera
	if cam.Fov <= 0 || cam.Fov >= 180 {
		problems = append(problems, fmt.Sprintf("rendering.camera.fov must be in (0, 180), got %v", cam.Fov))
	}
	if cam.Near <= 0 || cam.Far <= cam.Near {
		problems = append(problems, "rendering.camera near/far must satisfy 0 < near < far")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
