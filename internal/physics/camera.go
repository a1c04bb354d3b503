package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Camera is a perspective camera sufficient to unproject the pointer.
type Camera struct {
	Position mgl64.Vec3
	Target   mgl64.Vec3
	Up       mgl64.Vec3
	// FovY is the vertical field of view in degrees.
	FovY   float64
	Aspect float64
	Near   float64
	Far    float64
}

// DefaultCamera frames the stock cluster from 17.5 units along +Z.
func DefaultCamera(aspect float64) Camera {
	return Camera{
		Position: mgl64.Vec3{0, 0, 17.5},
		Up:       mgl64.Vec3{0, 1, 0},
		FovY:     25,
		Aspect:   aspect,
		Near:     0.1,
		Far:      2000,
	}
}

func (c Camera) up() mgl64.Vec3 {
	if lengthSq(c.Up) == 0 {
		return mgl64.Vec3{0, 1, 0}
	}
	return c.Up
}

func (c Camera) aspect() float64 {
	if !(c.Aspect > 0) {
		return 1
	}
	return c.Aspect
}

// View returns the world to camera transform.
func (c Camera) View() mgl64.Mat4 {
	return mgl64.LookAtV(c.Position, c.Target, c.up())
}

// Projection returns the camera to clip transform.
func (c Camera) Projection() mgl64.Mat4 {
	return mgl64.Perspective(mgl64.DegToRad(c.FovY), c.aspect(), c.Near, c.Far)
}

// Unproject maps a normalized device coordinate back into world space.
func (c Camera) Unproject(ndc mgl64.Vec3) mgl64.Vec3 {
	inverse := c.Projection().Mul4(c.View()).Inv()
	clip := inverse.Mul4x1(ndc.Vec4(1))
	if math.Abs(clip.W()) < degenerateLength {
		return clip.Vec3()
	}
	return clip.Vec3().Mul(1 / clip.W())
}

// PointerRay builds the world-space ray through the pointer at NDC (x, y).
func (c Camera) PointerRay(x, y float64) Ray {
	//1.- Clamp the pointer into the viewport so stale events cannot aim behind the camera.
	x = mgl64.Clamp(x, -1, 1)
	y = mgl64.Clamp(y, -1, 1)
	//2.- Unproject a mid-depth point and aim the ray from the eye through it.
	through := c.Unproject(mgl64.Vec3{x, y, 0.5})
	direction, ok := safeNormalize(through.Sub(c.Position))
	if !ok {
		direction, _ = safeNormalize(c.Target.Sub(c.Position))
	}
	return Ray{Origin: c.Position, Direction: direction}
}

// PointerOnPlane intersects the pointer ray with the plane z = planeZ.
func (c Camera) PointerOnPlane(x, y, planeZ float64) (mgl64.Vec3, bool) {
	ray := c.PointerRay(x, y)
	if math.Abs(ray.Direction.Z()) < degenerateLength {
		return mgl64.Vec3{}, false
	}
	t := (planeZ - ray.Origin.Z()) / ray.Direction.Z()
	if t < 0 {
		return mgl64.Vec3{}, false
	}
	return ray.Origin.Add(ray.Direction.Mul(t)), true
}

// Breathing returns a copy of the camera drifting along Z by amplitude*sin(frequency*elapsed).
func (c Camera) Breathing(elapsed, amplitude, frequency float64) Camera {
	out := c
	out.Position[2] = c.Position.Z() + math.Sin(frequency*elapsed)*amplitude
	return out
}
