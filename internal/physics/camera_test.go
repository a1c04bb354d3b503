package physics

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestPointerRayThroughCentreLooksDownAxis(t *testing.T) {
	camera := DefaultCamera(1.5)
	ray := camera.PointerRay(0, 0)
	if !ray.Direction.ApproxEqualThreshold(mgl64.Vec3{0, 0, -1}, 1e-9) {
		t.Fatalf("unexpected direction %v", ray.Direction)
	}
	if ray.Origin != camera.Position {
		t.Fatalf("ray should start at the eye, got %v", ray.Origin)
	}
}

func TestPointerOnPlaneMatchesFrustumEdge(t *testing.T) {
	camera := DefaultCamera(2)
	point, ok := camera.PointerOnPlane(1, 0, 0)
	if !ok {
		t.Fatalf("expected intersection with z=0")
	}
	//1.- The right frustum edge sits at distance * aspect * tan(fov/2).
	want := 17.5 * 2 * math.Tan(mgl64.DegToRad(12.5))
	if math.Abs(point.X()-want) > 1e-6 || math.Abs(point.Y()) > 1e-9 || math.Abs(point.Z()) > 1e-9 {
		t.Fatalf("point %v want x=%v", point, want)
	}
	top, ok := camera.PointerOnPlane(0, 1, 0)
	if !ok || math.Abs(top.Y()-17.5*math.Tan(mgl64.DegToRad(12.5))) > 1e-6 {
		t.Fatalf("unexpected top edge %v", top)
	}
}

func TestPointerOnPlaneBehindCameraFails(t *testing.T) {
	camera := DefaultCamera(1)
	if _, ok := camera.PointerOnPlane(0, 0, 40); ok {
		t.Fatalf("plane behind the eye should not intersect")
	}
}

func TestBreathingOscillatesAlongZ(t *testing.T) {
	camera := DefaultCamera(1)
	moved := camera.Breathing(math.Pi/0.4, 0.5, 0.2)
	if math.Abs(moved.Position.Z()-18) > 1e-12 {
		t.Fatalf("expected peak at 18, got %v", moved.Position.Z())
	}
	if camera.Position.Z() != 17.5 {
		t.Fatalf("breathing must not mutate the receiver")
	}
}

func TestUnprojectInvertsProjection(t *testing.T) {
	camera := DefaultCamera(1.25)
	world := mgl64.Vec3{1.5, -2, 3}
	clip := camera.Projection().Mul4(camera.View()).Mul4x1(world.Vec4(1))
	ndc := clip.Vec3().Mul(1 / clip.W())
	if back := camera.Unproject(ndc); !back.ApproxEqualThreshold(world, 1e-6) {
		t.Fatalf("round trip %v -> %v", world, back)
	}
}
