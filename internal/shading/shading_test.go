package shading

import (
	"context"
	"image/color"
	"math"
	"testing"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"floatingspheres/broker/internal/neighbors"
	"floatingspheres/broker/internal/physics"
)

func TestCylinderIntersectHitsBody(t *testing.T) {
	got := CylinderIntersect(mgl32.Vec3{0, 0, -5}, mgl32.Vec3{0, 0, 1}, mgl32.Vec3{-1, 0, 0}, mgl32.Vec3{1, 0, 0}, 0.5)
	if math32.Abs(got-4.5) > 1e-4 {
		t.Fatalf("expected hit at 4.5, got %f", got)
	}
}

func TestCylinderIntersectMiss(t *testing.T) {
	got := CylinderIntersect(mgl32.Vec3{0, 3, -5}, mgl32.Vec3{0, 0, 1}, mgl32.Vec3{-1, 0, 0}, mgl32.Vec3{1, 0, 0}, 0.5)
	if got != Miss {
		t.Fatalf("expected miss sentinel %f, got %f", Miss, got)
	}
}

// nearVec compares component-wise with an absolute tolerance so that
// float32 residue next to an exact zero is accepted.
func nearVec(got, want mgl32.Vec3, tol float32) bool {
	for i := range got {
		if math32.Abs(got[i]-want[i]) > tol {
			return false
		}
	}
	return true
}

func TestCylinderIntersectGoldenValues(t *testing.T) {
	cases := map[string]struct {
		ro, rd, a, b mgl32.Vec3
		radius       float32
		want         float32
	}{
		"body_oblique": {
			ro: mgl32.Vec3{0.2, -0.1, -4}, rd: mgl32.Vec3{0.049927657, 0.019971063, 0.99855315},
			a: mgl32.Vec3{-1, 0, 0}, b: mgl32.Vec3{1, 0, 0}, radius: 0.5, want: 3.5059724,
		},
		"cap_along_axis": {
			ro: mgl32.Vec3{-3, 0.1, 0}, rd: mgl32.Vec3{0.99875234, 0, 0.049937617},
			a: mgl32.Vec3{-1, 0, 0}, b: mgl32.Vec3{1, 0, 0}, radius: 0.5, want: 2.0024984,
		},
		"wide_miss": {
			ro: mgl32.Vec3{0.2, -0.1, -4}, rd: mgl32.Vec3{0.28603878, 0.09534626, 0.95346259},
			a: mgl32.Vec3{-1, 0, 0}, b: mgl32.Vec3{1, 0, 0}, radius: 0.5, want: Miss,
		},
	}
	for name, tc := range cases {
		if got := CylinderIntersect(tc.ro, tc.rd, tc.a, tc.b, tc.radius); math32.Abs(got-tc.want) > 1e-4 {
			t.Fatalf("%s: expected %f, got %f", name, tc.want, got)
		}
	}
}

func TestCrossAoShadowIntersectGoldenValues(t *testing.T) {
	refl := mgl32.Vec3{0.09918995, -0.07935196, 0.9918995}
	light := mgl32.Vec3{10, 10, 5}
	up := mgl32.Vec3{0, 0, 1}
	identity := mgl32.Vec4{0, 0, 0, 1}
	tilted := mgl32.Vec4{0.10259784, 0.20519567, 0.30779351, 0.92338052}

	cases := map[string]struct {
		p, n, refl      mgl32.Vec3
		posRadius, quat mgl32.Vec4
		nearest         float32
		ao, shadow, hit float32
	}{
		"reflection_hit": {
			p: mgl32.Vec3{}, n: up, refl: refl, posRadius: mgl32.Vec4{0.4, -0.3, 2.5, 1}, quat: identity,
			nearest: NoHit, ao: 0.90716673, shadow: 1, hit: 1.5757759,
		},
		"light_blocked": {
			p: mgl32.Vec3{}, n: up, refl: refl, posRadius: mgl32.Vec4{2, 2, 1.2, 1}, quat: identity,
			nearest: NoHit, ao: 0.97586451, shadow: 0.067437148, hit: NoHit,
		},
		"rotated_occluder": {
			p: mgl32.Vec3{}, n: up, refl: refl, posRadius: mgl32.Vec4{1.8, 1.9, 1.3, 1}, quat: tilted,
			nearest: NoHit, ao: 0.96870819, shadow: 0.097550672, hit: NoHit,
		},
		"rotated_miss": {
			p: mgl32.Vec3{0.5, 0, 0}, n: up, refl: refl, posRadius: mgl32.Vec4{0.3, 0.2, 2.4, 1.05}, quat: mgl32.Vec4{0, 0, 0.70710678, 0.70710678},
			nearest: NoHit, ao: 0.88150643, shadow: 1, hit: NoHit,
		},
		"far_hit": {
			p: mgl32.Vec3{}, n: up, refl: refl, posRadius: mgl32.Vec4{0.6, -0.5, 6, 1}, quat: identity,
			nearest: NoHit, ao: 0.98526624, shadow: 1, hit: 5.0408333,
		},
		"far_hit_beaten": {
			p: mgl32.Vec3{}, n: up, refl: refl, posRadius: mgl32.Vec4{0.6, -0.5, 6, 1}, quat: identity,
			nearest: 2, ao: 0.98526624, shadow: 1, hit: NoHit,
		},
	}
	for name, tc := range cases {
		ao, shadow, hit := CrossAoShadowIntersect(tc.p, tc.n, light, tc.refl, tc.posRadius, tc.quat, tc.nearest)
		if math32.Abs(ao-tc.ao) > 2e-4 || math32.Abs(shadow-tc.shadow) > 2e-4 || math32.Abs(hit-tc.hit) > 2e-4 {
			t.Fatalf("%s: expected ao=%f shadow=%f hit=%f, got ao=%f shadow=%f hit=%f",
				name, tc.ao, tc.shadow, tc.hit, ao, shadow, hit)
		}
	}
}

func TestCenterSphereHit(t *testing.T) {
	if !CenterSphereHit(mgl32.Vec3{0, 0, -3}, mgl32.Vec3{0, 0, 1}, 1) {
		t.Fatalf("expected ray through centre to hit")
	}
	if CenterSphereHit(mgl32.Vec3{0, 2, -3}, mgl32.Vec3{0, 0, 1}, 1) {
		t.Fatalf("expected offset ray to miss")
	}
}

func TestNoNeighborsLeavesLightingUntouched(t *testing.T) {
	terms := AccumulateNeighbors(mgl32.Vec3{}, mgl32.Vec3{0, 0, 1}, mgl32.Vec3{0, 0, 10}, mgl32.Vec3{0, 0, 1}, nil)
	if terms.AO != 1 || terms.Shadow != 1 {
		t.Fatalf("expected ao=shadow=1, got ao=%f shadow=%f", terms.AO, terms.Shadow)
	}
	if terms.ReflectDist != NoHit {
		t.Fatalf("expected no reflection hit, got %f", terms.ReflectDist)
	}
}

func TestPaddingEntriesAreSkipped(t *testing.T) {
	padding := []neighbors.Entry{{Rotation: mgl32.Vec4{0, 0, 0, 1}, Index: -1}, {Rotation: mgl32.Vec4{0, 0, 0, 1}, Index: -1}}
	terms := AccumulateNeighbors(mgl32.Vec3{}, mgl32.Vec3{0, 0, 1}, mgl32.Vec3{0, 0, 10}, mgl32.Vec3{0, 0, 1}, padding)
	if terms.AO != 1 || terms.Shadow != 1 {
		t.Fatalf("padding should not occlude, got ao=%f shadow=%f", terms.AO, terms.Shadow)
	}
	//1.- Bounce light is still averaged over every slot.
	if math32.Abs(terms.GI.X()-0.5) > 1e-6 {
		t.Fatalf("expected gi averaged over two slots, got %v", terms.GI)
	}
}

func TestCrossOccluderBetweenPointAndLight(t *testing.T) {
	ao, shadow, hit := CrossAoShadowIntersect(
		mgl32.Vec3{}, mgl32.Vec3{0, 0, 1}, mgl32.Vec3{0, 0, 10}, mgl32.Vec3{0, 0, 1},
		mgl32.Vec4{0, 0, 3, 1}, mgl32.Vec4{0, 0, 0, 1}, NoHit,
	)
	if !(ao < 1) || ao <= 0 {
		t.Fatalf("expected partial occlusion, got %f", ao)
	}
	if !(shadow < 0.5) {
		t.Fatalf("expected a dark shadow, got %f", shadow)
	}
	if math32.Abs(hit-2.7) > 1e-3 {
		t.Fatalf("expected reflection hit near 2.7, got %f", hit)
	}
}

func TestCrossDistantNeighborBarelyOccludes(t *testing.T) {
	ao, shadow, hit := CrossAoShadowIntersect(
		mgl32.Vec3{}, mgl32.Vec3{0, 0, 1}, mgl32.Vec3{0, 0, 10}, mgl32.Vec3{0, 0, 1},
		mgl32.Vec4{50, 0, 0, 1}, mgl32.Vec4{0, 0, 0, 1}, NoHit,
	)
	if ao < 0.99 || shadow < 0.99 {
		t.Fatalf("expected negligible influence, got ao=%f shadow=%f", ao, shadow)
	}
	if hit != NoHit {
		t.Fatalf("expected no reflection hit, got %f", hit)
	}
}

func TestFilmicToneMapOfBlackIsBlack(t *testing.T) {
	if got := FilmicToneMap(mgl32.Vec3{}); got != (mgl32.Vec3{}) {
		t.Fatalf("expected black, got %v", got)
	}
	rgb, alpha := Output(mgl32.Vec3{})
	if rgb != (mgl32.Vec3{}) || alpha != 0 {
		t.Fatalf("expected zero output, got %v alpha %f", rgb, alpha)
	}
}

func TestFilmicToneMapIsMonotonic(t *testing.T) {
	prev := float32(-1)
	for _, v := range []float32{0.01, 0.1, 0.5, 1, 4, 16} {
		got := FilmicToneMap(splat(v)).X()
		if got <= prev || got > 1.0001 {
			t.Fatalf("tone map not monotonic or out of range at %f: %f", v, got)
		}
		prev = got
	}
}

func TestHue2RGBSmooth(t *testing.T) {
	if got := Hue2RGBSmooth(0); !got.ApproxEqual(mgl32.Vec3{1, 0, 0}) {
		t.Fatalf("expected red at hue 0, got %v", got)
	}
	if got := Hue2RGBSmooth(-1); !got.ApproxEqual(mgl32.Vec3{1, 0, 0}) {
		t.Fatalf("expected hue to wrap for negative turns, got %v", got)
	}
}

func TestReflectAndRefract(t *testing.T) {
	if got := Reflect(mgl32.Vec3{1, -1, 0}, mgl32.Vec3{0, 1, 0}); !got.ApproxEqual(mgl32.Vec3{1, 1, 0}) {
		t.Fatalf("unexpected reflection %v", got)
	}
	incident := mgl32.Vec3{0.6, -0.8, 0}
	if got := Refract(incident, mgl32.Vec3{0, 1, 0}, 1); !got.ApproxEqualThreshold(incident, 1e-5) {
		t.Fatalf("unit ratio should not bend, got %v", got)
	}
	if got := Refract(mgl32.Vec3{0.8, -0.6, 0}, mgl32.Vec3{0, 1, 0}, RefractionIOR); got != (mgl32.Vec3{}) {
		t.Fatalf("expected total internal reflection, got %v", got)
	}
}

func TestQRotateQuarterTurn(t *testing.T) {
	s := float32(math.Sqrt2 / 2)
	got := QRotate(mgl32.Vec3{1, 0, 0}, mgl32.Vec4{0, 0, s, s})
	if !nearVec(got, mgl32.Vec3{0, 1, 0}, 1e-5) {
		t.Fatalf("expected +Y, got %v", got)
	}
	back := QRotate(got, Conjugate(mgl32.Vec4{0, 0, s, s}))
	if !nearVec(back, mgl32.Vec3{1, 0, 0}, 1e-5) {
		t.Fatalf("expected conjugate to undo rotation, got %v", back)
	}
}

func TestBlurLevel(t *testing.T) {
	cases := []struct {
		thickness float32
		want      int
	}{{-1.5, 0}, {-0.5, 1}, {0, 2}, {1, 2}}
	for _, tc := range cases {
		if got := BlurLevel(tc.thickness); got != tc.want {
			t.Fatalf("thickness %f: expected level %d, got %d", tc.thickness, tc.want, got)
		}
	}
}

func TestMatcapFacingNormalIsLit(t *testing.T) {
	sample := DefaultMatcap().Sample(mgl32.Vec2{0.5, 0.5})
	if sample.X() <= 0.5 {
		t.Fatalf("expected a lit diffuse channel, got %v", sample)
	}
	if sample.Z() > sample.Y() {
		t.Fatalf("sharp lobe should not exceed glossy lobe, got %v", sample)
	}
}

func TestNoiseSourceDeterministic(t *testing.T) {
	a := NewNoiseSource(7).Sample(3, 4)
	b := NewNoiseSource(7).Sample(3, 4)
	if a != b {
		t.Fatalf("same seed should repeat, got %v and %v", a, b)
	}
	for _, v := range a {
		if v < 0 || v > 1 {
			t.Fatalf("noise out of range: %v", a)
		}
	}
	var missing *NoiseSource
	if got := missing.Sample(1, 1); got != (mgl32.Vec3{0.5, 0.5, 0.5}) {
		t.Fatalf("nil source should be neutral, got %v", got)
	}
}

func TestShadeSurfaceStaysFinite(t *testing.T) {
	for _, semitransparent := range []bool{false, true} {
		out := ShadeSurface(SurfaceInput{
			WorldPosition:    mgl32.Vec3{0, 0, 1},
			CameraPosition:   mgl32.Vec3{0, 0, 17.5},
			LightPosition:    mgl32.Vec3{10, 10, 5},
			Normal:           mgl32.Vec3{0, 0, 1},
			SmoothNormal:     mgl32.Vec3{0, 0, 1},
			ViewNormal:       mgl32.Vec3{0, 0, 1},
			SmoothViewNormal: mgl32.Vec3{0, 0, 1},
			ViewPosition:     mgl32.Vec3{0, 0, 16.5},
			Color:            mgl32.Vec3{0.02, 0.11, 0.98},
			Roughness:        0.8,
			VertexAO:         1,
			SelfShadow:       1,
			Thickness:        0.5,
			Semitransparent:  semitransparent,
			Neighbors: []neighbors.Entry{{
				PositionRadius:   mgl32.Vec4{2.2, 0, 0, 1.05},
				Rotation:         mgl32.Vec4{0, 0, 0, 1},
				Color:            mgl32.Vec3{1, 1, 1},
				TransparencyLuma: mgl32.Vec2{0, 1},
			}},
			BlueNoise: mgl32.Vec3{0.5, 0.5, 0.5},
			Matcap:    DefaultMatcap(),
		})
		for _, v := range out.RGB {
			if math32.IsNaN(v) || v < 0 || v > 1.0001 {
				t.Fatalf("semitransparent=%v: colour out of range %v", semitransparent, out.RGB)
			}
		}
		if out.Alpha < 0 || out.Alpha > 1 {
			t.Fatalf("alpha out of range: %f", out.Alpha)
		}
	}
}

func renderBodies(semitransparent bool) []physics.State {
	return []physics.State{{
		Index:    0,
		Rotation: mgl64.QuatIdent(),
		Radius:   1.05,
		Mass:     1,
		Appearance: physics.Appearance{
			Color:           mgl32.Vec3{0.96, 0, 0.05},
			Roughness:       0.1,
			Semitransparent: semitransparent,
		},
	}}
}

func TestRendererDrawsBackgroundAndBody(t *testing.T) {
	background := mgl32.Vec3{0x14 / 255.0, 0x15 / 255.0, 0x15 / 255.0}
	renderer := NewRenderer(32, 24, background, mgl32.Vec3{10, 10, 5}, 1)
	renderer.Workers = 3
	img, err := renderer.Render(context.Background(), RenderInput{
		Bodies: renderBodies(false),
		Camera: physics.DefaultCamera(1),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 24 {
		t.Fatalf("unexpected size %v", img.Bounds())
	}
	want := color.NRGBA{R: 0x14, G: 0x15, B: 0x15, A: 0xff}
	for _, corner := range [][2]int{{0, 0}, {31, 0}, {0, 23}, {31, 23}} {
		if got := img.NRGBAAt(corner[0], corner[1]); got != want {
			t.Fatalf("corner %v: expected background %v, got %v", corner, want, got)
		}
	}
	if got := img.NRGBAAt(16, 12); got == want {
		t.Fatalf("expected the body to cover the centre pixel")
	}
}

func TestRendererRefractsSemitransparentBodies(t *testing.T) {
	renderer := NewRenderer(24, 24, mgl32.Vec3{0.1, 0.1, 0.1}, mgl32.Vec3{10, 10, 5}, 1)
	bodies := append(renderBodies(true), physics.State{
		Index:      1,
		Position:   mgl64.Vec3{0, 0, -6},
		Rotation:   mgl64.QuatIdent(),
		Radius:     2,
		Mass:       1,
		Appearance: physics.Appearance{Color: mgl32.Vec3{1, 1, 1}, Roughness: 0.8},
	})
	packer := neighbors.NewPacker(0)
	img, err := renderer.Render(context.Background(), RenderInput{
		Bodies:    bodies,
		Neighbors: packer.Pack(bodies),
		Camera:    physics.DefaultCamera(1),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := img.NRGBAAt(12, 12); got.A != 0xff {
		t.Fatalf("expected opaque output, got %v", got)
	}
}

func TestRendererHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	renderer := NewRenderer(8, 8, mgl32.Vec3{}, mgl32.Vec3{10, 10, 5}, 1)
	if _, err := renderer.Render(ctx, RenderInput{Bodies: renderBodies(false), Camera: physics.DefaultCamera(1)}); err == nil {
		t.Fatalf("expected cancelled render to fail")
	}
}

func TestRendererRejectsEmptySize(t *testing.T) {
	renderer := &Renderer{}
	if _, err := renderer.Render(context.Background(), RenderInput{}); err == nil {
		t.Fatalf("expected size validation error")
	}
}
