// Package glove defines the data model shared by the tracking pipeline: hand
// side, raw joint-angle frames, geometry and calibration profiles, and the
// error kinds reported across packages.
package glove

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// NumFingers is fixed: thumb, index, middle, ring, pinky.
const NumFingers = 5

// Finger indices into per-finger arrays.
const (
	Thumb = iota
	Index
	Middle
	Ring
	Pinky
)

var fingerNames = [NumFingers]string{"thumb", "index", "middle", "ring", "pinky"}

// FingerName returns the lower-case name for finger index i.
func FingerName(i int) string {
	if i < 0 || i >= NumFingers {
		return fmt.Sprintf("finger(%d)", i)
	}
	return fingerNames[i]
}

// Hand identifies which hand a device is worn on.
type Hand int

const (
	Right Hand = iota
	Left
)

func (h Hand) String() string {
	switch h {
	case Right:
		return "right"
	case Left:
		return "left"
	default:
		return fmt.Sprintf("Hand(%d)", int(h))
	}
}

// ParseHand accepts "left"/"right" and the single letter forms.
func ParseHand(s string) (Hand, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "right", "r":
		return Right, nil
	case "left", "l":
		return Left, nil
	}
	return Right, fmt.Errorf("%w: unknown hand %q", ErrConfiguration, s)
}

// MarshalText implements encoding.TextMarshaler so Hand round-trips through
// JSON, YAML and CBOR as a string.
func (h Hand) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hand) UnmarshalText(b []byte) error {
	v, err := ParseHand(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// Angles holds per-finger joint angles in radians. Index 0 of each finger is
// the splay joint; the remaining entries are flexion joints, base to tip.
type Angles [NumFingers][]float64

// Clone returns a deep copy.
func (a Angles) Clone() Angles {
	var out Angles
	for i := range a {
		out[i] = append([]float64(nil), a[i]...)
	}
	return out
}

// Shape returns the joint count of each finger.
func (a Angles) Shape() [NumFingers]int {
	var s [NumFingers]int
	for i := range a {
		s[i] = len(a[i])
	}
	return s
}

// Equal reports whether both angle sets hold bit-identical values.
func (a Angles) Equal(b Angles) bool {
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if math.Float64bits(a[i][j]) != math.Float64bits(b[i][j]) {
				return false
			}
		}
	}
	return true
}

// Frame is one synchronized snapshot of every joint on the glove. A frame is
// never mutated after it has been published by a dispatcher.
type Frame struct {
	Angles    Angles
	Timestamp time.Time
	// Seq is assigned by the dispatcher; zero means unassigned.
	Seq uint64
}

// CheckShape verifies that angles match the joint counts of g.
func CheckShape(angles Angles, g *Geometry) error {
	want := g.JointCounts()
	got := angles.Shape()
	if want != got {
		return fmt.Errorf("%w: angle shape %v does not match geometry %v", ErrConfiguration, got, want)
	}
	return nil
}

// Degrees converts radians to degrees wrapped to [-180, 180).
func Degrees(angles Angles) Angles {
	out := angles.Clone()
	for i := range out {
		for j, rad := range out[i] {
			out[i][j] = WrapDegrees(rad * 180 / math.Pi)
		}
	}
	return out
}

// WrapDegrees wraps d into [-180, 180).
func WrapDegrees(d float64) float64 {
	w := math.Mod(d+180, 360)
	if w < 0 {
		w += 360
	}
	return w - 180
}

// Sample is one recorded frame: its offset from the start of the recording
// and the joint angles.
type Sample struct {
	Offset time.Duration
	Angles Angles
}
