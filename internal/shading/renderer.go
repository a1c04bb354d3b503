package shading

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"

	"github.com/anthonynsimon/bild/blur"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/sync/errgroup"

	"floatingspheres/broker/internal/neighbors"
	"floatingspheres/broker/internal/physics"
)

// BlurRadii are the gaussian radii of the refraction pyramid levels.
var BlurRadii = [3]float64{2, 4, 8}

// RenderInput is one frame as seen by the reference renderer.
type RenderInput struct {
	Bodies    []physics.State
	Neighbors []neighbors.Buffer
	Camera    physics.Camera
}

// Renderer ray-casts the sphere set on the CPU and shades every hit with
// ShadeSurface. It is a reference for browser renderers and a source of
// preview images, not a realtime path.
type Renderer struct {
	Width      int
	Height     int
	Background mgl32.Vec3
	Light      mgl32.Vec3
	Matcap     Matcap
	Noise      *NoiseSource
	// Workers bounds the number of row bands shaded in parallel; zero uses GOMAXPROCS.
	Workers int
}

// NewRenderer returns a renderer with the default matcap and a seeded noise field.
func NewRenderer(width, height int, background, light mgl32.Vec3, seed int64) *Renderer {
	return &Renderer{
		Width:      width,
		Height:     height,
		Background: background,
		Light:      light,
		Matcap:     DefaultMatcap(),
		Noise:      NewNoiseSource(seed),
	}
}

type viewRig struct {
	eye        mgl64.Vec3
	view       mgl64.Mat4
	viewProj   mgl64.Mat4
	inverse    mgl64.Mat4
	width      int
	height     int
	background mgl32.Vec3
}

type sphereHit struct {
	body      int
	t         float64
	thickness float64
}

// Render shades one frame into an opaque NRGBA image.
func (r *Renderer) Render(ctx context.Context, in RenderInput) (*image.NRGBA, error) {
	if r.Width <= 0 || r.Height <= 0 {
		return nil, fmt.Errorf("render size %dx%d must be positive", r.Width, r.Height)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	//1.- Freeze the camera for this image size.
	camera := in.Camera
	camera.Aspect = float64(r.Width) / float64(r.Height)
	viewProj := camera.Projection().Mul4(camera.View())
	rig := viewRig{
		eye:        camera.Position,
		view:       camera.View(),
		viewProj:   viewProj,
		inverse:    viewProj.Inv(),
		width:      r.Width,
		height:     r.Height,
		background: r.Background,
	}
	lookup := make(map[int][]neighbors.Entry, len(in.Neighbors))
	for _, buffer := range in.Neighbors {
		lookup[buffer.Owner] = buffer.Entries
	}

	//2.- Opaque pass over bodies and background.
	opaque := make([]mgl32.Vec3, r.Width*r.Height)
	err := r.forRows(ctx, func(y int) {
		for x := 0; x < r.Width; x++ {
			opaque[y*r.Width+x] = r.shadePixel(rig, in.Bodies, lookup, x, y, false, nil)
		}
	})
	if err != nil {
		return nil, err
	}

	//3.- Blur the opaque pass into the refraction pyramid.
	base := toImage(opaque, r.Width, r.Height)
	if !hasSemitransparent(in.Bodies) {
		return base, nil
	}
	levels := make([]image.Image, len(BlurRadii))
	group, _ := errgroup.WithContext(ctx)
	for i, radius := range BlurRadii {
		group.Go(func() error {
			levels[i] = blur.Gaussian(base, radius)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	pyramid := &blurPyramid{levels: levels, width: r.Width, height: r.Height}

	//4.- Semitransparent pass composited over the opaque result.
	final := make([]mgl32.Vec3, len(opaque))
	copy(final, opaque)
	err = r.forRows(ctx, func(y int) {
		for x := 0; x < r.Width; x++ {
			idx := y*r.Width + x
			if shaded, ok := r.shadeTransparentPixel(rig, in.Bodies, lookup, x, y, pyramid); ok {
				final[idx] = shaded
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return toImage(final, r.Width, r.Height), nil
}

func (r *Renderer) forRows(ctx context.Context, shadeRow func(y int)) error {
	workers := r.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, r.Height)
	group, groupCtx := errgroup.WithContext(ctx)
	band := (r.Height + workers - 1) / workers
	for start := 0; start < r.Height; start += band {
		end := min(start+band, r.Height)
		group.Go(func() error {
			for y := start; y < end; y++ {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				shadeRow(y)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("render interrupted: %w", err)
		}
		return err
	}
	return nil
}

func (r *Renderer) shadePixel(rig viewRig, bodies []physics.State, lookup map[int][]neighbors.Entry, x, y int, semitransparent bool, refraction RefractionSampler) mgl32.Vec3 {
	origin, direction := rig.pixelRay(x, y)
	hit, ok := nearestHit(origin, direction, bodies, func(s physics.State) bool {
		return s.Appearance.Semitransparent == semitransparent
	})
	if !ok {
		return rig.background
	}
	return r.shadeHit(rig, bodies[hit.body], hit, origin, direction, lookup, x, y, refraction)
}

func (r *Renderer) shadeTransparentPixel(rig viewRig, bodies []physics.State, lookup map[int][]neighbors.Entry, x, y int, pyramid *blurPyramid) (mgl32.Vec3, bool) {
	origin, direction := rig.pixelRay(x, y)
	hit, ok := nearestHit(origin, direction, bodies, func(physics.State) bool { return true })
	if !ok || !bodies[hit.body].Appearance.Semitransparent {
		return mgl32.Vec3{}, false
	}
	return r.shadeHit(rig, bodies[hit.body], hit, origin, direction, lookup, x, y, pyramid), true
}

func (r *Renderer) shadeHit(rig viewRig, body physics.State, hit sphereHit, origin, direction mgl64.Vec3, lookup map[int][]neighbors.Entry, x, y int, refraction RefractionSampler) mgl32.Vec3 {
	point := origin.Add(direction.Mul(hit.t))
	normal := point.Sub(body.Position).Mul(1 / body.Radius)
	viewNormal := rig.view.Mul4x1(normal.Vec4(0)).Vec3()
	viewPoint := rig.view.Mul4x1(point.Vec4(1)).Vec3()

	in := SurfaceInput{
		WorldPosition:    vec32(point),
		CameraPosition:   vec32(rig.eye),
		LightPosition:    r.Light,
		Normal:           vec32(normal),
		SmoothNormal:     vec32(normal),
		ViewNormal:       vec32(viewNormal),
		SmoothViewNormal: vec32(viewNormal),
		ViewPosition:     vec32(viewPoint.Mul(-1)),
		Color:            body.Appearance.Color,
		Roughness:        body.Appearance.Roughness,
		VertexAO:         1,
		SelfShadow:       1,
		Thickness:        float32(hit.thickness),
		Semitransparent:  body.Appearance.Semitransparent,
		Neighbors:        lookup[hit.body],
		BlueNoise:        r.Noise.Sample(float32(x), float32(y)),
		Matcap:           r.Matcap,
	}
	if refraction != nil {
		in.Refraction = refraction
		in.Project = rig.project
	}
	return ShadeSurface(in).RGB
}

func (rig viewRig) pixelRay(x, y int) (mgl64.Vec3, mgl64.Vec3) {
	ndcX := (float64(x)+0.5)/float64(rig.width)*2 - 1
	ndcY := 1 - (float64(y)+0.5)/float64(rig.height)*2
	clip := rig.inverse.Mul4x1(mgl64.Vec4{ndcX, ndcY, 0.5, 1})
	through := clip.Vec3()
	if w := clip.W(); math.Abs(w) > 1e-12 {
		through = through.Mul(1 / w)
	}
	direction := through.Sub(rig.eye)
	if length := direction.Len(); length > 1e-12 {
		direction = direction.Mul(1 / length)
	}
	return rig.eye, direction
}

func (rig viewRig) project(world mgl32.Vec3) mgl32.Vec2 {
	clip := rig.viewProj.Mul4x1(mgl64.Vec4{float64(world.X()), float64(world.Y()), float64(world.Z()), 1})
	w := clip.W()
	if math.Abs(w) < 1e-12 {
		return mgl32.Vec2{0.5, 0.5}
	}
	return mgl32.Vec2{
		float32((clip.X()/w + 1) * 0.5),
		float32((1 - clip.Y()/w) * 0.5),
	}
}

// nearestHit returns the closest sphere in front of the origin accepted by keep.
// thickness is the chord through the sphere relative to its diameter.
func nearestHit(origin, direction mgl64.Vec3, bodies []physics.State, keep func(physics.State) bool) (sphereHit, bool) {
	best := sphereHit{body: -1, t: math.Inf(1)}
	for i, body := range bodies {
		if body.Radius <= 0 || !keep(body) {
			continue
		}
		oc := origin.Sub(body.Position)
		b := oc.Dot(direction)
		c := oc.Dot(oc) - body.Radius*body.Radius
		h := b*b - c
		if h < 0 {
			continue
		}
		h = math.Sqrt(h)
		t := -b - h
		if t <= 0 || t >= best.t {
			continue
		}
		best = sphereHit{body: i, t: t, thickness: h / body.Radius}
	}
	return best, best.body >= 0
}

func hasSemitransparent(bodies []physics.State) bool {
	for _, body := range bodies {
		if body.Appearance.Semitransparent {
			return true
		}
	}
	return false
}

type blurPyramid struct {
	levels []image.Image
	width  int
	height int
}

// SampleBlur reads the nearest texel of the requested level, clamped to the edges.
func (p *blurPyramid) SampleBlur(uv mgl32.Vec2, level int) mgl32.Vec3 {
	level = max(0, min(level, len(p.levels)-1))
	x := int(saturate(uv.X()) * float32(p.width-1))
	y := int(saturate(uv.Y()) * float32(p.height-1))
	cr, cg, cb, _ := p.levels[level].At(x, y).RGBA()
	return mgl32.Vec3{float32(cr) / 0xffff, float32(cg) / 0xffff, float32(cb) / 0xffff}
}

func toImage(pixels []mgl32.Vec3, width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := pixels[y*width+x]
			img.SetNRGBA(x, y, color.NRGBA{R: channel(c.X()), G: channel(c.Y()), B: channel(c.Z()), A: 0xff})
		}
	}
	return img
}

func channel(v float32) uint8 {
	return uint8(saturate(v)*255 + 0.5)
}

func vec32(v mgl64.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{float32(v.X()), float32(v.Y()), float32(v.Z())}
}
