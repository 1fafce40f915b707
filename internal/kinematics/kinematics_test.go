package kinematics

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/handtrack/internal/glove"
)

const eps = 1e-9

func vecNear(a, b r3.Vec, tol float64) bool {
	return r3.Norm(r3.Sub(a, b)) <= tol
}

func quatNear(a, b quat.Number, tol float64) bool {
	return quat.Abs(quat.Sub(a, b)) <= tol
}

// benchFinger is a single splay joint with no link followed by one 10 unit
// flexion link along x.
func benchFinger() glove.FingerGeometry {
	return glove.FingerGeometry{
		Links:        []r3.Vec{{}, {X: 10}},
		BaseRot:      glove.Identity,
		TipOffsetPos: r3.Vec{X: 2},
		TipOffsetRot: glove.Identity,
	}
}

func TestFinger_NinetyDegreeFlexion(t *testing.T) {
	f := benchFinger()
	got, err := Finger([]float64{0, math.Pi / 2}, &f)
	if err != nil {
		t.Fatalf("Finger() error = %v", err)
	}
	if len(got.Positions) != 3 || len(got.Rotations) != 3 {
		t.Fatalf("Finger() returned %d positions, %d rotations, want 3 each", len(got.Positions), len(got.Rotations))
	}
	if want := (r3.Vec{Z: -10}); !vecNear(got.Positions[2], want, eps) {
		t.Errorf("Positions[2] = %v, want %v", got.Positions[2], want)
	}
	if want := flexion(math.Pi / 2); !quatNear(got.Rotations[2], want, eps) {
		t.Errorf("Rotations[2] = %v, want %v", got.Rotations[2], want)
	}
	// The tip offset follows the bent link.
	if want := (r3.Vec{Z: -12}); !vecNear(got.Tip.Pos, want, eps) {
		t.Errorf("Tip.Pos = %v, want %v", got.Tip.Pos, want)
	}
}

func TestFinger_SplayRotatesAboutZ(t *testing.T) {
	f := benchFinger()
	got, err := Finger([]float64{math.Pi / 2, 0}, &f)
	if err != nil {
		t.Fatalf("Finger() error = %v", err)
	}
	if want := (r3.Vec{Y: 10}); !vecNear(got.Positions[2], want, eps) {
		t.Errorf("Positions[2] = %v, want %v", got.Positions[2], want)
	}
}

func TestSolve_ZeroAnglesReproduceGeometry(t *testing.T) {
	g := glove.DefaultGeometry(glove.Right)
	g.Fingers[glove.Thumb].BaseRot = glove.Identity

	var angles glove.Angles
	for i, f := range g.Fingers {
		angles[i] = make([]float64, len(f.Links))
	}
	h, err := Solve(angles, g)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	for i, f := range g.Fingers {
		fp := h.Fingers[i]
		want := f.BasePos
		if !vecNear(fp.Positions[0], want, eps) {
			t.Errorf("%s base = %v, want %v", glove.FingerName(i), fp.Positions[0], want)
		}
		for k, link := range f.Links {
			want = r3.Add(want, link)
			if !vecNear(fp.Positions[k+1], want, 1e-9) {
				t.Errorf("%s Positions[%d] = %v, want %v", glove.FingerName(i), k+1, fp.Positions[k+1], want)
			}
		}
		for k, q := range fp.Rotations {
			if !quatNear(q, glove.Identity, eps) {
				t.Errorf("%s Rotations[%d] = %v, want identity", glove.FingerName(i), k, q)
			}
		}
	}
}

func TestSolve_OrientationsStayUnit(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, hand := range []glove.Hand{glove.Left, glove.Right} {
		g := glove.DefaultGeometry(hand)
		for trial := 0; trial < 200; trial++ {
			var angles glove.Angles
			for i, f := range g.Fingers {
				angles[i] = make([]float64, len(f.Links))
				for k := range angles[i] {
					angles[i][k] = (rng.Float64()*2 - 1) * 4 * math.Pi
				}
			}
			h, err := Solve(angles, g)
			if err != nil {
				t.Fatalf("Solve() error = %v", err)
			}
			for i, fp := range h.Fingers {
				for k, q := range fp.Rotations {
					if n := quat.Abs(q); math.Abs(n-1) > 1e-6 {
						t.Fatalf("%v %s Rotations[%d] norm = %v", hand, glove.FingerName(i), k, n)
					}
				}
				if n := quat.Abs(fp.Tip.Rot); math.Abs(n-1) > 1e-6 {
					t.Fatalf("%v %s tip norm = %v", hand, glove.FingerName(i), n)
				}
			}
		}
	}
}

func TestSolve_DriftedBaseIsRenormalized(t *testing.T) {
	f := benchFinger()
	f.BaseRot = quat.Scale(1.001, glove.Identity)
	got, err := Finger([]float64{0, 0}, &f)
	if err != nil {
		t.Fatalf("Finger() error = %v", err)
	}
	if n := quat.Abs(got.Rotations[0]); math.Abs(n-1) > 1e-12 {
		t.Errorf("|Rotations[0]| = %v, want 1", n)
	}
}

func TestSolve_ShapeMismatch(t *testing.T) {
	g := glove.DefaultGeometry(glove.Right)
	var angles glove.Angles
	for i := range angles {
		angles[i] = make([]float64, 3)
	}
	if _, err := Solve(angles, g); !errors.Is(err, glove.ErrConfiguration) {
		t.Errorf("Solve() error = %v, want ErrConfiguration", err)
	}

	f := benchFinger()
	if _, err := Finger([]float64{0}, &f); !errors.Is(err, glove.ErrConfiguration) {
		t.Errorf("Finger() error = %v, want ErrConfiguration", err)
	}
}

func TestSolve_IsDeterministic(t *testing.T) {
	g := glove.DefaultGeometry(glove.Left)
	var angles glove.Angles
	for i, f := range g.Fingers {
		angles[i] = make([]float64, len(f.Links))
		for k := range angles[i] {
			angles[i][k] = 0.1 * float64(i+k)
		}
	}
	a, err := Solve(angles, g)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Solve(angles, g)
	for i := range a.Fingers {
		if a.Fingers[i].Tip != b.Fingers[i].Tip {
			t.Errorf("%s tip differs between runs", glove.FingerName(i))
		}
	}
}

func TestTipDistances(t *testing.T) {
	var h Hand
	h.Fingers[glove.Thumb].Tip.Pos = r3.Vec{}
	h.Fingers[glove.Index].Tip.Pos = r3.Vec{X: 3, Y: 4}
	h.Fingers[glove.Middle].Tip.Pos = r3.Vec{Z: 2}
	h.Fingers[glove.Ring].Tip.Pos = r3.Vec{X: -1}
	h.Fingers[glove.Pinky].Tip.Pos = r3.Vec{Y: 7}
	got := TipDistances(h)
	want := [4]float64{5, 2, 1, 7}
	for i := range want {
		if math.Abs(got[i]-want[i]) > eps {
			t.Errorf("TipDistances()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestQuatToEulerRoundTrip(t *testing.T) {
	tests := []r3.Vec{
		{},
		{X: 0.3},
		{Y: -0.7},
		{Z: 1.2},
		{X: -1.4835, Y: 0, Z: 0.9774},
		{X: 0.2, Y: 0.4, Z: -2.0},
	}
	for _, e := range tests {
		got := QuatToEuler(glove.EulerQuat(e.X, e.Y, e.Z))
		if !vecNear(got, e, 1e-9) {
			t.Errorf("QuatToEuler(EulerQuat(%v)) = %v", e, got)
		}
	}
}

func BenchmarkSolve(b *testing.B) {
	g := glove.DefaultGeometry(glove.Right)
	var angles glove.Angles
	for i, f := range g.Fingers {
		angles[i] = make([]float64, len(f.Links))
		for k := range angles[i] {
			angles[i][k] = 0.2
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Solve(angles, g); err != nil {
			b.Fatal(err)
		}
	}
}
