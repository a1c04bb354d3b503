package shading

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// Miss is the distance reported when a ray misses a cylinder.
const Miss float32 = 200

// NoHit is the initial nearest-reflection distance.
const NoHit float32 = 100

const (
	crossArmRatio    float32 = 0.666667
	crossRadiusRatio float32 = 0.333333
	reflectArmShrink float32 = 0.9
	reflectReach     float32 = 2.05
	boundingInflate  float32 = 1.1
	minShadowReach   float32 = 0.0001
)

var unitAxes = [3]mgl32.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

// CylinderIntersect returns the distance along rd at which the ray enters the
// capped cylinder a-b of the given radius, or Miss.
func CylinderIntersect(ro, rd, a, b mgl32.Vec3, radius float32) float32 {
	ba := b.Sub(a)
	oc := ro.Sub(a)
	baba := ba.Dot(ba)
	bard := ba.Dot(rd)
	baoc := ba.Dot(oc)
	k2 := baba - bard*bard
	k1 := baba*oc.Dot(rd) - baoc*bard
	k0 := baba*oc.Dot(oc) - baoc*baoc - radius*radius*baba
	h := k1*k1 - k2*k0
	if h < 0 {
		return Miss
	}
	h = math32.Sqrt(h)
	//1.- Body hit, skipped when the ray runs parallel to the axis.
	y := baoc
	if math32.Abs(k2) > epsilon {
		t := (-k1 - h) / k2
		y = baoc + t*bard
		if y > 0 && y < baba {
			return t
		}
	}
	//2.- Cap hit, unreachable when the ray is perpendicular to the axis.
	if math32.Abs(bard) < epsilon {
		return Miss
	}
	capLevel := baba
	if y < 0 {
		capLevel = 0
	}
	t := (capLevel - baoc) / bard
	if math32.Abs(k1+k2*t) < h {
		return t
	}
	return Miss
}

// CenterSphereHit reports whether the line ro + t*rd touches the origin-centred sphere.
func CenterSphereHit(ro, rd mgl32.Vec3, radius float32) bool {
	b := ro.Dot(rd)
	c := ro.Dot(ro) - radius*radius
	return b*b-c >= 0
}

// CrossAoShadowIntersect evaluates one neighbour, modelled as three orthogonal
// segments through its centre, against the shaded point p. It returns the
// ambient occlusion and soft shadow factors in [0, 1] and the distance along
// refl to the nearest segment (NoHit or Miss when nothing is hit).
//
// l is the unnormalised vector from p toward the light. intersectDist is the
// nearest reflection found so far; neighbours that cannot beat it skip the
// cylinder tests.
func CrossAoShadowIntersect(p, n, l, refl mgl32.Vec3, posRadius, quat mgl32.Vec4, intersectDist float32) (ao, shadow, hit float32) {
	ao, shadow, hit = 1, 1, NoHit
	radius := posRadius.W()
	if !(radius > 0) {
		return ao, shadow, hit
	}
	arm := crossArmRatio * radius
	r := crossRadiusRatio * radius

	//1.- Move every input into the neighbour's local frame.
	inverse := Conjugate(quat)
	offset := posRadius.Vec3().Mul(-1)
	p = QRotate(p.Add(offset), inverse)
	l = normalizeOr(QRotate(l.Add(offset), inverse), mgl32.Vec3{0, 1, 0})
	n = QRotate(n, inverse)
	refl = QRotate(refl, inverse)

	ro := p
	pa := splat(-arm)
	ba := splat(2 * arm)
	oa := ro.Sub(pa)
	baba := hadamard(ba, ba)
	oaba := hadamard(oa, ba)
	dba := hadamard(l, ba)

	for axis := 0; axis < 3; axis++ {
		//2.- The segment along this axis sees the point with only that coordinate shifted.
		oaAxis := ro
		oaAxis[axis] = oa[axis]

		h := saturate(oaba[axis] / baba[axis])
		od := oaAxis
		od[axis] -= h * ba[axis]
		dl := math32.Max(od.Len(), epsilon)
		occ := 1 - saturate(od.Mul(-1).Dot(n)*r*r/(dl*dl*dl))
		ao *= math32.Sqrt(occ * occ * occ)

		//3.- Closest approach between the light ray and the segment drives the penumbra.
		oad := oaAxis.Dot(l)
		thDiv := 1 / math32.Max(baba[axis]-dba[axis]*dba[axis], epsilon)
		thX := math32.Max((-oad*baba[axis]+dba[axis]*oaba[axis])*thDiv, minShadowReach)
		thY := saturate((oaba[axis] - oad*dba[axis]) * thDiv)
		var onSegment mgl32.Vec3
		onSegment[axis] = pa[axis] + ba[axis]*thY
		onRay := ro.Add(l.Mul(thX))
		dd := onSegment.Sub(onRay).Len() - r
		shadow *= smoothstep01(dd/thX + 0.5)
	}

	//4.- Reflections test the slimmer arms once the bounding sphere cannot be rejected.
	r *= reflectArmShrink
	if intersectDist+reflectReach > p.Len()-radius && CenterSphereHit(ro, refl, radius*boundingInflate) {
		for _, axis := range unitAxes {
			a := axis.Mul(-radius)
			b := axis.Mul(radius)
			hit = math32.Min(hit, CylinderIntersect(p, refl, a, b, r))
		}
	}
	return ao, shadow, hit
}
