// Package kinematics computes joint and fingertip poses from raw joint angles
// by composing one rotation per joint along each finger chain.
//
// The splay joint (index 0) rotates about the local z-axis; every later joint
// is a flexion joint rotating about the local y-axis, positive toward the
// palm. Positions[0] and Rotations[0] are the finger base; entry k+1 is the
// pose after joint k has been applied and its link travelled.
package kinematics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/handtrack/internal/glove"
)

// NormTolerance is the allowed drift of a composed orientation from unit
// length before it is renormalized.
const NormTolerance = 1e-9

// Pose is a position and unit orientation in the hub frame.
type Pose struct {
	Pos r3.Vec
	Rot quat.Number
}

// FingerPose is the forward kinematics result for one finger.
type FingerPose struct {
	Positions []r3.Vec
	Rotations []quat.Number
	Tip       Pose
}

// Hand is the forward kinematics result for all five fingers.
type Hand struct {
	Fingers [glove.NumFingers]FingerPose
}

// Tips returns the fingertip pose of every finger.
func (h Hand) Tips() [glove.NumFingers]Pose {
	var tips [glove.NumFingers]Pose
	for i, f := range h.Fingers {
		tips[i] = f.Tip
	}
	return tips
}

func splay(theta float64) quat.Number {
	s, c := math.Sincos(theta / 2)
	return quat.Number{Real: c, Kmag: s}
}

func flexion(theta float64) quat.Number {
	s, c := math.Sincos(theta / 2)
	return quat.Number{Real: c, Jmag: s}
}

// Rotate applies the unit quaternion q to v.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if math.Abs(n-1) > NormTolerance && n > 0 {
		return quat.Scale(1/n, q)
	}
	return q
}

// Finger runs the chain for one finger. len(angles) must equal the number of
// links in f.
func Finger(angles []float64, f *glove.FingerGeometry) (FingerPose, error) {
	if len(angles) != len(f.Links) {
		return FingerPose{}, fmt.Errorf("%w: %d angles for %d joints", glove.ErrConfiguration, len(angles), len(f.Links))
	}

	out := FingerPose{
		Positions: make([]r3.Vec, 0, len(angles)+1),
		Rotations: make([]quat.Number, 0, len(angles)+1),
	}
	pos := f.BasePos
	rot := normalize(f.BaseRot)
	out.Positions = append(out.Positions, pos)
	out.Rotations = append(out.Rotations, rot)

	for k, theta := range angles {
		var delta quat.Number
		if k == 0 {
			delta = splay(theta)
		} else {
			delta = flexion(theta)
		}
		rot = normalize(quat.Mul(rot, delta))
		pos = r3.Add(pos, Rotate(rot, f.Links[k]))
		out.Positions = append(out.Positions, pos)
		out.Rotations = append(out.Rotations, rot)
	}

	tipRot := normalize(quat.Mul(rot, f.TipOffsetRot))
	out.Tip = Pose{
		Pos: r3.Add(pos, Rotate(tipRot, f.TipOffsetPos)),
		Rot: tipRot,
	}
	return out, nil
}

// Solve runs every finger chain of g against angles.
func Solve(angles glove.Angles, g *glove.Geometry) (Hand, error) {
	if err := glove.CheckShape(angles, g); err != nil {
		return Hand{}, err
	}
	var h Hand
	for i := range g.Fingers {
		fp, err := Finger(angles[i], &g.Fingers[i])
		if err != nil {
			return Hand{}, fmt.Errorf("%s: %w", glove.FingerName(i), err)
		}
		h.Fingers[i] = fp
	}
	return h, nil
}

// TipDistances returns the distance from the thumb tip to the index,
// middle, ring and pinky tips.
func TipDistances(h Hand) [glove.NumFingers - 1]float64 {
	var d [glove.NumFingers - 1]float64
	thumb := h.Fingers[glove.Thumb].Tip.Pos
	for i := 1; i < glove.NumFingers; i++ {
		d[i-1] = r3.Norm(r3.Sub(h.Fingers[i].Tip.Pos, thumb))
	}
	return d
}

// QuatToEuler converts q to roll/pitch/yaw in radians, the inverse of
// glove.EulerQuat away from gimbal lock.
func QuatToEuler(q quat.Number) r3.Vec {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	sinp := 2 * (w*y - z*x)
	sinp = math.Max(-1, math.Min(1, sinp))
	return r3.Vec{
		X: math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y)),
		Y: math.Asin(sinp),
		Z: math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z)),
	}
}
