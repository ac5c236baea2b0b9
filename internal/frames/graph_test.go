package frames

import (
	"errors"
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

const tol = 1e-9

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// quarterTurnZ is a 90° rotation about +Z as [x, y, z, w].
var quarterTurnZ = [4]float64{0, 0, math.Sqrt2 / 2, math.Sqrt2 / 2}

func vecNear(t *testing.T, want, got r3.Vec) {
	t.Helper()
	if r3.Norm(r3.Sub(want, got)) > 1e-6 {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func mustAdd(t *testing.T, g *Graph, id string, frame ReferenceFrame, src PoseSource) *Entity {
	t.Helper()
	e := NewEntity(id, frame, src)
	if err := g.Add(e); err != nil {
		t.Fatalf("Add(%s) error = %v", id, err)
	}
	return e
}

func mustResolve(t *testing.T, g *Graph, id string, target ReferenceFrame) Pose {
	t.Helper()
	p, err := g.Resolve(id, target, t0)
	if err != nil {
		t.Fatalf("Resolve(%s, %v) error = %v", id, target, err)
	}
	return p
}

func TestResolve_DirectFrame(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "a", Fixed(FixedGlobal), NewConstantPose(NewTransform([3]float64{1, 2, 3}, [4]float64{0, 0, 0, 1})))

	p := mustResolve(t, g, "a", Fixed(FixedGlobal))
	if !p.Defined {
		t.Fatal("pose undefined")
	}
	vecNear(t, r3.Vec{X: 1, Y: 2, Z: 3}, p.Position)
	if !p.Time.Equal(t0) {
		t.Errorf("time = %v, want %v", p.Time, t0)
	}
}

func TestResolve_ComposesAncestorChain(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "parent", Fixed(FixedGlobal), NewConstantPose(NewTransform([3]float64{10, 0, 0}, quarterTurnZ)))
	mustAdd(t, g, "child", EntityFrame("parent"), NewConstantPose(NewTransform([3]float64{1, 0, 0}, [4]float64{0, 0, 0, 1})))
	mustAdd(t, g, "grandchild", EntityFrame("child"), NewConstantPose(NewTransform([3]float64{0, 2, 0}, [4]float64{0, 0, 0, 1})))

	vecNear(t, r3.Vec{X: 10, Y: 1}, mustResolve(t, g, "child", Fixed(FixedGlobal)).Position)

	p := mustResolve(t, g, "grandchild", Fixed(FixedGlobal))
	vecNear(t, r3.Vec{X: 8, Y: 1}, p.Position)
	if got := OrientationAngle(Identity(), p.Transform()); math.Abs(got-math.Pi/2) > tol {
		t.Errorf("angle = %v, want pi/2", got)
	}

	// stopping at an intermediate ancestor
	vecNear(t, r3.Vec{X: 1, Y: 2}, mustResolve(t, g, "grandchild", EntityFrame("parent")).Position)
}

func TestResolve_NonAncestorEntityTarget(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "a", Fixed(FixedGlobal), NewConstantPose(NewTransform([3]float64{1, 0, 0}, [4]float64{0, 0, 0, 1})))
	mustAdd(t, g, "b", Fixed(FixedGlobal), NewConstantPose(NewTransform([3]float64{0, 1, 0}, quarterTurnZ)))

	p := mustResolve(t, g, "a", EntityFrame("b"))
	if !p.Defined {
		t.Fatal("pose undefined")
	}
	// a - b = (1,-1,0) in FIXED; rotated by -90° about Z into b's frame.
	vecNear(t, r3.Vec{X: -1, Y: -1}, p.Position)

	// parent expressed in its child's frame is the child's inverse
	mustAdd(t, g, "c", EntityFrame("a"), NewConstantPose(NewTransform([3]float64{0, 0, 5}, [4]float64{0, 0, 0, 1})))
	vecNear(t, r3.Vec{Z: -5}, mustResolve(t, g, "a", EntityFrame("c")).Position)
	vecNear(t, r3.Vec{}, mustResolve(t, g, "a", EntityFrame("a")).Position)
}

func TestResolve_UndefinedLinkIsNotAnError(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "parent", Fixed(FixedGlobal), nil)
	mustAdd(t, g, "child", EntityFrame("parent"), NewConstantPose(Identity()))
	mustAdd(t, g, "orphan", EntityFrame("missing"), NewConstantPose(Identity()))

	for _, id := range []string{"child", "orphan"} {
		if p := mustResolve(t, g, id, Fixed(FixedGlobal)); p.Defined {
			t.Errorf("%s defined, want undefined", id)
		}
	}
}

func TestResolve_CycleFailsForEveryMember(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "A", EntityFrame("B"), NewConstantPose(Identity()))
	mustAdd(t, g, "B", EntityFrame("A"), NewConstantPose(Identity()))

	for _, id := range []string{"A", "B"} {
		_, err := g.Resolve(id, Fixed(FixedGlobal), t0)
		if !errors.Is(err, ErrCyclicFrame) {
			t.Errorf("Resolve(%s) error = %v, want ErrCyclicFrame", id, err)
			continue
		}
		var cyc *CyclicFrameError
		if !errors.As(err, &cyc) || cyc.EntityID != id {
			t.Errorf("Resolve(%s) error = %#v, want CyclicFrameError for %s", id, err, id)
		}
	}

	// also when the links have no pose at all
	g2 := NewGraph()
	mustAdd(t, g2, "A", EntityFrame("B"), nil)
	mustAdd(t, g2, "B", EntityFrame("A"), nil)
	if _, err := g2.Resolve("A", Fixed(Inertial), t0); !errors.Is(err, ErrCyclicFrame) {
		t.Errorf("Resolve(A) error = %v, want ErrCyclicFrame", err)
	}
}

func TestCheckChain(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "A", EntityFrame("B"), nil)
	mustAdd(t, g, "B", EntityFrame("A"), nil)
	mustAdd(t, g, "C", EntityFrame("A"), NewConstantPose(Identity()))
	mustAdd(t, g, "orphan", EntityFrame("missing"), NewConstantPose(Identity()))
	mustAdd(t, g, "root", Fixed(FixedGlobal), nil)

	tests := []struct {
		id   string
		want error
	}{
		{"A", ErrCyclicFrame},
		{"C", ErrCyclicFrame},
		{"nope", ErrUnknownEntity},
		{"orphan", nil},
		{"root", nil},
	}
	for _, tt := range tests {
		err := g.CheckChain(tt.id)
		if tt.want == nil {
			if err != nil {
				t.Errorf("CheckChain(%s) = %v, want nil", tt.id, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("CheckChain(%s) = %v, want %v", tt.id, err, tt.want)
		}
	}
}

func TestResolve_Errors(t *testing.T) {
	g := NewGraph()
	if _, err := g.Resolve("nope", Fixed(FixedGlobal), t0); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("unknown entity error = %v", err)
	}

	mustAdd(t, g, "a", Fixed(FixedGlobal), NewConstantPose(Identity()))
	if _, err := g.Resolve("a", ReferenceFrame{}, t0); !errors.Is(err, ErrInvalidReferenceFrame) {
		t.Errorf("invalid target error = %v", err)
	}
	if err := g.Add(NewEntity("a", Fixed(FixedGlobal), nil)); !errors.Is(err, ErrDuplicateEntity) {
		t.Errorf("duplicate add error = %v", err)
	}
	if err := g.Add(NewEntity("b", Fixed(FixedFrame(9)), nil)); !errors.Is(err, ErrInvalidReferenceFrame) {
		t.Errorf("invalid frame add error = %v", err)
	}
}

func TestResolve_FixedToInertial(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "site", Fixed(FixedGlobal), NewConstantPose(NewTransform([3]float64{wgs84SemiMajor, 0, 0}, [4]float64{0, 0, 0, 1})))

	p := mustResolve(t, g, "site", Fixed(Inertial))
	theta := EarthRotationAngle(t0)
	vecNear(t, r3.Vec{X: wgs84SemiMajor * math.Cos(theta), Y: wgs84SemiMajor * math.Sin(theta)}, p.Position)

	// an entity framed in INERTIAL resolved back into FIXED lands on the same point
	mustAdd(t, g, "marker", Fixed(Inertial), NewConstantPose(NewTransform([3]float64{p.Position.X, p.Position.Y, p.Position.Z}, [4]float64{0, 0, 0, 1})))
	vecNear(t, r3.Vec{X: wgs84SemiMajor}, mustResolve(t, g, "marker", Fixed(FixedGlobal)).Position)

	// and relative to an entity framed in FIXED
	vecNear(t, r3.Vec{}, mustResolve(t, g, "marker", EntityFrame("site")).Position)
}

func TestEarthRotationAngle_J2000(t *testing.T) {
	j2000 := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	if got, want := EarthRotationAngle(j2000), 2*math.Pi*0.7790572732640; math.Abs(got-want) > 1e-6 {
		t.Errorf("EarthRotationAngle(J2000) = %v, want %v", got, want)
	}
}

func TestGraph_GetOrCreateAndRemove(t *testing.T) {
	g := NewGraph()
	e := g.GetOrCreate("x")
	if g.GetOrCreate("x") != e {
		t.Error("GetOrCreate returned a second entity")
	}
	if e.ReferenceFrame() != Fixed(FixedGlobal) {
		t.Errorf("frame = %v, want FIXED", e.ReferenceFrame())
	}
	if ids := g.IDs(); len(ids) != 1 || ids[0] != "x" {
		t.Errorf("IDs() = %v, want [x]", ids)
	}

	if !g.Remove("x") {
		t.Error("Remove(x) = false")
	}
	if g.Remove("x") {
		t.Error("second Remove(x) = true")
	}
	if n := g.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestGraph_Cartographic(t *testing.T) {
	g := NewGraph()
	want := Cartographic{Longitude: 0.3, Latitude: -0.6, Height: 120}
	pos := FromCartographic(want)
	mustAdd(t, g, "pin", Fixed(FixedGlobal), NewConstantPose(Transform{Position: pos, Orientation: Identity().Orientation}))

	got, ok, err := g.Cartographic("pin", t0)
	if err != nil || !ok {
		t.Fatalf("Cartographic() = %v, %v", ok, err)
	}
	if math.Abs(got.Longitude-want.Longitude) > 1e-9 || math.Abs(got.Latitude-want.Latitude) > 1e-9 {
		t.Errorf("lon/lat = %v/%v, want %v/%v", got.Longitude, got.Latitude, want.Longitude, want.Latitude)
	}
	if math.Abs(got.Height-want.Height) > 1e-4 {
		t.Errorf("height = %v, want %v", got.Height, want.Height)
	}
}
