package shading

import (
	"github.com/aquilax/go-perlin"
	"github.com/go-gl/mathgl/mgl32"
)

// NoiseSource provides per-pixel jitter in [0, 1]^3 for the reflection lobe.
type NoiseSource struct {
	noise *perlin.Perlin
	scale float64
}

// NewNoiseSource seeds a perlin field. The same seed always produces the same pattern.
func NewNoiseSource(seed int64) *NoiseSource {
	return &NoiseSource{noise: perlin.NewPerlin(2, 2, 3, seed), scale: 0.37}
}

// Sample returns three decorrelated channels for the pixel coordinate.
func (n *NoiseSource) Sample(x, y float32) mgl32.Vec3 {
	if n == nil {
		return mgl32.Vec3{0.5, 0.5, 0.5}
	}
	fx := float64(x) * n.scale
	fy := float64(y) * n.scale
	return mgl32.Vec3{
		remap(n.noise.Noise2D(fx, fy)),
		remap(n.noise.Noise2D(fx+31.7, fy-12.3)),
		remap(n.noise.Noise2D(fx-7.1, fy+53.9)),
	}
}

func remap(v float64) float32 {
	return saturate(float32(v*0.5 + 0.5))
}
