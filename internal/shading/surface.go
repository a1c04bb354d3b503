package shading

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"floatingspheres/broker/internal/neighbors"
)

const (
	// RefractionIOR is the index of refraction of semitransparent bodies.
	RefractionIOR float32 = 2.4
	maxRoughness  float32 = 0.9
	refractReach  float32 = 0.3
)

// RefractionSampler returns the blurred opaque scene at uv for a blur level in [0, 2].
type RefractionSampler interface {
	SampleBlur(uv mgl32.Vec2, level int) mgl32.Vec3
}

// SurfaceInput is everything the surface shader reads for one point.
type SurfaceInput struct {
	WorldPosition  mgl32.Vec3
	CameraPosition mgl32.Vec3
	LightPosition  mgl32.Vec3
	// Normal is the world-space shading normal and SmoothNormal the
	// interpolated one used for refraction.
	Normal       mgl32.Vec3
	SmoothNormal mgl32.Vec3
	// ViewNormal and SmoothViewNormal are the same normals in view space.
	ViewNormal       mgl32.Vec3
	SmoothViewNormal mgl32.Vec3
	// ViewPosition is the vector from the point to the eye in view space.
	ViewPosition mgl32.Vec3

	Color           mgl32.Vec3
	Roughness       float32
	NormalVariation float32
	VertexAO        float32
	SelfShadow      float32
	Thickness       float32
	Semitransparent bool

	Neighbors []neighbors.Entry
	BlueNoise mgl32.Vec3
	Matcap    Matcap
	// Refraction and Project are required for semitransparent surfaces only.
	Refraction RefractionSampler
	Project    func(world mgl32.Vec3) mgl32.Vec2
}

// Color is the displayed colour plus the luma-derived alpha.
type Color struct {
	RGB   mgl32.Vec3
	Alpha float32
}

// NeighborTerms accumulates the per-neighbour lighting of one point.
type NeighborTerms struct {
	AO          float32
	Shadow      float32
	GI          mgl32.Vec3
	Reflection  mgl32.Vec3
	ReflectDist float32
}

// AccumulateNeighbors runs the neighbour loop: occlusion and shadow multiply,
// bounce light adds and the nearest reflection hit wins. Padding entries are
// skipped but still count toward the bounce light average.
func AccumulateNeighbors(p, n, toLight, reflectDir mgl32.Vec3, entries []neighbors.Entry) NeighborTerms {
	terms := NeighborTerms{AO: 1, Shadow: 1, GI: splat(1), ReflectDist: NoHit}
	for _, entry := range entries {
		if entry.Padding() {
			continue
		}
		transparency := entry.TransparencyLuma.X()
		luma := entry.TransparencyLuma.Y()
		ao, shadow, hit := CrossAoShadowIntersect(p, n, toLight, reflectDir, entry.PositionRadius, entry.Rotation, terms.ReflectDist)

		//1.- Semitransparent neighbours occlude half as much.
		neighbourAO := saturate(ao + 0.5*transparency)
		terms.AO *= neighbourAO
		terms.Shadow *= shadow
		bounce := math32.Min(1, (1-neighbourAO*neighbourAO)/0.7)
		terms.GI = terms.GI.Add(entry.Color.Mul((1 - 0.9*luma) * 3 * bounce))

		//2.- Keep the closest reflection in front of the surface.
		if hit < terms.ReflectDist && hit > 0.0001 {
			terms.Reflection = entry.Color.Mul(1 - 0.5*transparency)
			terms.ReflectDist = hit
		}
	}
	terms.GI = terms.GI.Mul(1 / float32(max(len(entries), 1)))
	return terms
}

// ShadeSurface evaluates the full surface shader for one point.
func ShadeSurface(in SurfaceInput) Color {
	//1.- Orient the frame: view, reflection with jitter, and light.
	view := normalizeOr(in.CameraPosition.Sub(in.WorldPosition), mgl32.Vec3{0, 0, 1})
	normal := normalizeOr(in.Normal, view)
	smoothNormal := normalizeOr(in.SmoothNormal, normal)
	roughness := math32.Min(maxRoughness, in.Roughness+in.NormalVariation)
	jitter := float32(0.01)
	if roughness > 0.5 {
		jitter = 0.5
	}
	reflectView := Reflect(view.Mul(-1), normal)
	reflectJittered := normalizeOr(reflectView.Add(in.BlueNoise.Sub(splat(0.5)).Mul(jitter)), reflectView)
	toLight := in.LightPosition.Sub(in.WorldPosition)

	//2.- Gather neighbour occlusion, shadow, bounce and reflection.
	terms := AccumulateNeighbors(in.WorldPosition, normal, toLight, reflectJittered, in.Neighbors)
	reflection := terms.Reflection.Mul(1 / ((0.2+roughness*0.8)*terms.ReflectDist*10 + 4))
	reflection = reflection.Mul(terms.AO * in.VertexAO)

	//3.- Base albedo, through the blurred scene for semitransparent bodies.
	albedo := in.Color
	if in.Semitransparent {
		albedo = refractedAlbedo(in, view, smoothNormal)
	}

	//4.- Matcap lookup in a view-aligned basis.
	viewDir := normalizeOr(in.ViewPosition, mgl32.Vec3{0, 0, 1})
	basisX := normalizeOr(mgl32.Vec3{viewDir.Z(), 0, -viewDir.X()}, mgl32.Vec3{1, 0, 0})
	basisY := viewDir.Cross(basisX)
	lookupNormal := in.ViewNormal
	if in.Semitransparent {
		lookupNormal = in.SmoothViewNormal
	}
	uv := mgl32.Vec2{basisX.Dot(lookupNormal)*0.5 + 0.5, basisY.Dot(lookupNormal)*0.5 + 0.5}
	matcap := mgl32.Vec3{0.5, 0.5, 0.5}
	if in.Matcap != nil {
		matcap = in.Matcap.Sample(uv)
	}
	matcapDiff := splat(0.25 + 0.75*matcap.X())
	matcapSpec := splat(matcap.Z())
	if roughness > 0.5 {
		matcapSpec = splat(matcap.Y())
	}
	reflection = reflection.Mul(0.75 + 0.25*terms.Shadow*in.SelfShadow)
	shadow := 0.6 + 0.4*terms.Shadow

	//5.- Combine the terms per surface kind.
	var color mgl32.Vec3
	if in.Semitransparent {
		fresnel := (1 - mgl32.Clamp(math32.Abs(normalizeOr(normal.Add(smoothNormal), normal).Dot(view)), 0.001, 1)) * (1 - in.Thickness)
		color = albedo.Add(matcapDiff.Mul(0.15)).Add(albedo.Mul(fresnel * 0.5)).Add(reflection)
		rim := math32.Pow(1-in.Thickness*0.75, 2)
		iridescence := hadamard(Hue2RGBSmooth(in.ViewNormal.Z()*in.VertexAO*1.5), maxZero(splat(1).Sub(matcapDiff)))
		color = color.Add(iridescence.Mul(rim * 0.2 * Luma(albedo)))
		color = color.Mul(in.SelfShadow*0.35 + 0.65)
		color = color.Mul(terms.AO*shadow*0.75 + 0.25)
	} else {
		color = hadamard(albedo, matcapDiff).Add(matcapSpec)
		color = color.Add(reflection)
		color = color.Mul(terms.AO)
		color = color.Add(terms.GI)
		color = color.Mul(in.SelfShadow * shadow)
	}

	rgb, alpha := Output(color)
	return Color{RGB: rgb, Alpha: alpha}
}

func refractedAlbedo(in SurfaceInput, view, smoothNormal mgl32.Vec3) mgl32.Vec3 {
	if in.Refraction == nil || in.Project == nil {
		return in.Color
	}
	refracted := Refract(view.Mul(-1), smoothNormal, 1/RefractionIOR)
	uv := in.Project(in.WorldPosition.Add(refracted.Mul(refractReach)))
	blur := in.Refraction.SampleBlur(uv, BlurLevel(in.Thickness))
	albedo := hadamard(blur, splat(0.75).Add(in.Color.Mul(0.4)))
	return albedo.Mul(0.8).Add(in.Color.Mul(0.125 + 0.2*in.SelfShadow*in.VertexAO))
}

// BlurLevel selects the pyramid level from the surface thickness.
func BlurLevel(thickness float32) int {
	lod := 2.5 + thickness
	switch {
	case lod < 1.5:
		return 0
	case lod < 2.5:
		return 1
	default:
		return 2
	}
}

func maxZero(v mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{math32.Max(0, v[0]), math32.Max(0, v[1]), math32.Max(0, v[2])}
}
