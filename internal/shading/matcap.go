package shading

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// Matcap looks up view-space lighting by the projected normal. The red
// channel is diffuse, green a broad glossy lobe and blue a sharp highlight.
type Matcap interface {
	Sample(uv mgl32.Vec2) mgl32.Vec3
}

// ProceduralMatcap synthesises the three matcap channels from a single view-space key light.
type ProceduralMatcap struct {
	Light          mgl32.Vec3
	GlossyExponent float32
	SharpExponent  float32
}

// DefaultMatcap lights from the upper left, slightly toward the viewer.
func DefaultMatcap() ProceduralMatcap {
	return ProceduralMatcap{
		Light:          mgl32.Vec3{-0.45, 0.6, 0.66}.Normalize(),
		GlossyExponent: 12,
		SharpExponent:  96,
	}
}

// Sample reconstructs the view-space normal from uv and evaluates the lobes.
func (m ProceduralMatcap) Sample(uv mgl32.Vec2) mgl32.Vec3 {
	//1.- Map uv back onto the unit disc and lift it onto the front hemisphere.
	x := uv.X()*2 - 1
	y := uv.Y()*2 - 1
	rr := x*x + y*y
	if rr > 1 {
		scale := 1 / math32.Sqrt(rr)
		x, y, rr = x*scale, y*scale, 1
	}
	normal := mgl32.Vec3{x, y, math32.Sqrt(math32.Max(0, 1-rr))}
	light := normalizeOr(m.Light, mgl32.Vec3{0, 0, 1})
	//2.- Half vector for a viewer looking down -Z.
	half := normalizeOr(light.Add(mgl32.Vec3{0, 0, 1}), mgl32.Vec3{0, 0, 1})
	diffuse := saturate(normal.Dot(light)*0.5 + 0.5)
	specular := math32.Max(0, normal.Dot(half))
	return mgl32.Vec3{
		diffuse,
		math32.Pow(specular, m.GlossyExponent),
		math32.Pow(specular, m.SharpExponent),
	}
}
