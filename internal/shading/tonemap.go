package shading

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// Gamma expands shaded colour before tone mapping.
const Gamma float32 = 2.2

// FilmicToneMap applies the toe offset then the rational filmic curve per channel.
func FilmicToneMap(c mgl32.Vec3) mgl32.Vec3 {
	var out mgl32.Vec3
	for i, v := range c {
		v = math32.Max(0, v-0.004)
		out[i] = (v * (6.2*v + 0.5)) / (v*(6.2*v+1.7) + 0.06)
	}
	return out
}

// Hue2RGBSmooth maps a hue in turns onto a smoothed RGB rainbow.
func Hue2RGBSmooth(hue float32) mgl32.Vec3 {
	offsets := mgl32.Vec3{0, 4, 2}
	var out mgl32.Vec3
	for i := range out {
		v := glslMod(hue*6+offsets[i], 6)
		v = saturate(math32.Abs(v-3) - 1)
		out[i] = v * v * (3 - 2*v)
	}
	return out
}

// glslMod follows the GLSL definition x - y*floor(x/y), which differs from
// math32.Mod for negative inputs.
func glslMod(x, y float32) float32 {
	return x - y*math32.Floor(x/y)
}

// Output converts linear shaded colour into the displayed colour and its alpha.
func Output(c mgl32.Vec3) (mgl32.Vec3, float32) {
	var expanded mgl32.Vec3
	for i, v := range c {
		expanded[i] = math32.Pow(math32.Max(v, 0), Gamma)
	}
	return FilmicToneMap(expanded), saturate(Luma(c)*1.5 - 1)
}
