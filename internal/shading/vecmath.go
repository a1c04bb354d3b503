// Package shading evaluates the procedural neighbour lighting of a sphere
// surface: cross-proxy ambient occlusion, soft shadows, nearest-neighbour
// reflections, matcap base shading and the filmic output transform. The math
// runs in float32 so results match the GPU consumers of the same buffers.
package shading

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

const epsilon float32 = 1e-6

func saturate(x float32) float32 {
	return mgl32.Clamp(x, 0, 1)
}

func smoothstep01(x float32) float32 {
	x = saturate(x)
	return x * x * (3 - 2*x)
}

func hadamard(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{a[0] * b[0], a[1] * b[1], a[2] * b[2]}
}

func splat(v float32) mgl32.Vec3 { return mgl32.Vec3{v, v, v} }

func normalizeOr(v, fallback mgl32.Vec3) mgl32.Vec3 {
	length := v.Len()
	if !(length > epsilon) {
		return fallback
	}
	return v.Mul(1 / length)
}

// QRotate rotates v by the quaternion q stored as (x, y, z, w).
func QRotate(v mgl32.Vec3, q mgl32.Vec4) mgl32.Vec3 {
	axis := q.Vec3()
	return v.Add(axis.Cross(axis.Cross(v).Add(v.Mul(q.W()))).Mul(2))
}

// Conjugate inverts a unit quaternion stored as (x, y, z, w).
func Conjugate(q mgl32.Vec4) mgl32.Vec4 {
	return mgl32.Vec4{-q.X(), -q.Y(), -q.Z(), q.W()}
}

// Reflect mirrors the incident direction about the normal.
func Reflect(incident, normal mgl32.Vec3) mgl32.Vec3 {
	return incident.Sub(normal.Mul(2 * normal.Dot(incident)))
}

// Refract bends the incident direction through a surface with ratio eta. Total
// internal reflection yields the zero vector.
func Refract(incident, normal mgl32.Vec3, eta float32) mgl32.Vec3 {
	cosI := normal.Dot(incident)
	k := 1 - eta*eta*(1-cosI*cosI)
	if k < 0 {
		return mgl32.Vec3{}
	}
	return incident.Mul(eta).Sub(normal.Mul(eta*cosI + math32.Sqrt(k)))
}

// Luma is the Rec. 601 luminance.
func Luma(c mgl32.Vec3) float32 {
	return c.Dot(mgl32.Vec3{0.299, 0.587, 0.114})
}
