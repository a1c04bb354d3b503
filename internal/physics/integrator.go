package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// degenerateLength guards every normalisation against coincident or resting inputs.
const degenerateLength = 1e-9

// diagonalAxis is the fallback spin reference when velocity and position are parallel.
var diagonalAxis = mgl64.Vec3{1, 1, 1}.Normalize()

func lengthSq(v mgl64.Vec3) float64 { return v.Dot(v) }

func clampMagnitude(value, limit float64) float64 {
	//1.- Skip clamping when the limit disables the guard.
	if !(limit > 0) || value <= limit {
		return value
	}
	return limit
}

// safeNormalize returns the unit vector and false when v is too short to normalise.
func safeNormalize(v mgl64.Vec3) (mgl64.Vec3, bool) {
	length := v.Len()
	if !(length > degenerateLength) || math.IsInf(length, 0) {
		return mgl64.Vec3{}, false
	}
	return v.Mul(1 / length), true
}

// perpendicular returns a unit vector orthogonal to v, choosing the least aligned basis axis.
func perpendicular(v mgl64.Vec3) mgl64.Vec3 {
	basis := mgl64.Vec3{1, 0, 0}
	if math.Abs(v.X()) > math.Abs(v.Y()) {
		basis = mgl64.Vec3{0, 1, 0}
	}
	if axis, ok := safeNormalize(v.Cross(basis)); ok {
		return axis
	}
	return mgl64.Vec3{0, 1, 0}
}

// integrateLinear advances the centre with the post-force velocity and applies
// frame-rate independent damping.
func integrateLinear(b *Body, step, damping float64) {
	//1.- Semi-implicit Euler: the position sees this step's velocity.
	b.position = b.position.Add(b.velocity.Mul(step))
	//2.- Exponential decay keeps the damping strength independent of the step size.
	b.velocity = b.velocity.Mul(math.Pow(damping, step))
}

// integrateAngular derives a spin from the linear motion and composes it into the orientation.
func integrateAngular(b *Body, step float64) {
	speedSq := lengthSq(b.velocity)
	//1.- Leave resting bodies alone so their orientation does not jitter.
	if speedSq < restingSpeedSq {
		b.angularVelocity = mgl64.Vec3{}
		return
	}
	//2.- Use velocity x position as a torque proxy, falling back to the diagonal reference.
	axis, ok := safeNormalize(b.velocity.Cross(b.position))
	if !ok {
		axis, ok = safeNormalize(diagonalAxis.Cross(b.velocity))
	}
	if !ok {
		axis = perpendicular(b.velocity)
	}
	//3.- Scale the spin by the speed and clamp it before composing the increment.
	omega := clampMagnitude(math.Sqrt(speedSq)*spinPerSpeed, MaxAngularSpeed)
	b.angularVelocity = axis.Mul(omega)
	delta := mgl64.QuatRotate(omega*step, axis)
	b.rotation = delta.Mul(b.rotation).Normalize()
}
