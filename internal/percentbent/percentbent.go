// Package percentbent maps raw joint angles onto bounded [0, 10000]
// flexion and abduction values using a calibration profile.
package percentbent

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/banshee-data/handtrack/internal/glove"
)

// Full is the value reported at the closed (or high) calibration reference.
const Full = 10000

// Neutral is the abduction value of a non-thumb finger halfway between its
// left and right references.
const Neutral = Full / 2

// Finger holds one finger's normalized values.
type Finger struct {
	Flexion   int `json:"flexion"`
	Abduction int `json:"abduction"`
}

// Result holds the normalized values of every finger.
type Result struct {
	Fingers [glove.NumFingers]Finger `json:"fingers"`
}

// DegenerateError lists the finger ranges whose references coincide. It
// wraps glove.ErrCalibrationRangeDegenerate. The Result returned alongside
// it is complete; degenerate values are reported as 0.
type DegenerateError struct {
	Flexion   []int
	Abduction []int
}

func (e *DegenerateError) Error() string {
	var parts []string
	for _, i := range e.Flexion {
		parts = append(parts, glove.FingerName(i)+" flexion")
	}
	for _, i := range e.Abduction {
		parts = append(parts, glove.FingerName(i)+" abduction")
	}
	return fmt.Sprintf("%v: %s", glove.ErrCalibrationRangeDegenerate, strings.Join(parts, ", "))
}

func (e *DegenerateError) Unwrap() error { return glove.ErrCalibrationRangeDegenerate }

// rescale maps v from [inLo, inHi] onto [0, Full], clamped. The range may be
// reversed. ok is false when inLo == inHi.
func rescale(v, inLo, inHi float64) (out int, ok bool) {
	if inLo == inHi {
		return 0, false
	}
	t := (v - inLo) / (inHi - inLo)
	if math.IsNaN(t) {
		return 0, true
	}
	t = math.Max(0, math.Min(1, t))
	return int(math.Round(t * Full)), true
}

// FlexionSum returns the summed flexion angle of one finger, skipping the
// splay joint.
func FlexionSum(angles []float64) float64 {
	var sum float64
	for _, a := range angles[1:] {
		sum += a
	}
	return sum
}

// Raw holds the angles, in radians, that percent bent is computed from:
// each finger's summed flexion and its splay. Left hand splay is negated so
// both hands share one sign convention. Calibration references are set by
// watching these values with the hand open and closed.
type Raw struct {
	Flexion   [glove.NumFingers]float64 `json:"flexion"`
	Abduction [glove.NumFingers]float64 `json:"abduction"`
}

// RawAngles extracts the percent-bent inputs from angles.
func RawAngles(angles glove.Angles, hand glove.Hand) (Raw, error) {
	var raw Raw
	for i := range angles {
		if len(angles[i]) < 2 {
			return Raw{}, fmt.Errorf("%w: %s has %d joints, need splay and flexion",
				glove.ErrConfiguration, glove.FingerName(i), len(angles[i]))
		}
		raw.Flexion[i] = FlexionSum(angles[i])
		raw.Abduction[i] = angles[i][0]
		if hand == glove.Left {
			raw.Abduction[i] = -raw.Abduction[i]
		}
	}
	return raw, nil
}

// Normalize computes flexion and abduction values for every finger in
// angles from their RawAngles. A *DegenerateError is returned together with
// a usable Result when any reference pair coincides.
func Normalize(angles glove.Angles, cal *glove.Calibration, hand glove.Hand) (Result, error) {
	raw, err := RawAngles(angles, hand)
	if err != nil {
		return Result{}, err
	}
	var (
		res Result
		deg DegenerateError
	)
	for i, c := range cal.Fingers {
		flex, ok := rescale(raw.Flexion[i], c.FlexOpen, c.FlexClosed)
		if !ok {
			deg.Flexion = append(deg.Flexion, i)
		}
		abduction, ok := rescale(raw.Abduction[i], c.AbdLow, c.AbdHigh)
		if !ok {
			deg.Abduction = append(deg.Abduction, i)
		}
		res.Fingers[i] = Finger{Flexion: flex, Abduction: abduction}
	}
	if len(deg.Flexion) > 0 || len(deg.Abduction) > 0 {
		return res, &deg
	}
	return res, nil
}

// Normalizer owns the calibration used by one device. SetCalibration swaps
// the whole profile atomically; a Normalize call in progress keeps the
// profile it started with.
type Normalizer struct {
	hand glove.Hand
	cal  atomic.Pointer[glove.Calibration]
}

// NewNormalizer returns a Normalizer using cal, or the default calibration
// when cal is nil.
func NewNormalizer(hand glove.Hand, cal *glove.Calibration) *Normalizer {
	if cal == nil {
		cal = glove.DefaultCalibration()
	}
	n := &Normalizer{hand: hand}
	n.cal.Store(cal.Clone())
	return n
}

// Calibration returns the profile currently in use. The caller must not
// modify it.
func (n *Normalizer) Calibration() *glove.Calibration {
	return n.cal.Load()
}

// SetCalibration replaces the profile. A copy is stored so later edits by
// the caller have no effect.
func (n *Normalizer) SetCalibration(cal *glove.Calibration) {
	n.cal.Store(cal.Clone())
}

// Normalize runs Normalize against the current profile.
func (n *Normalizer) Normalize(angles glove.Angles) (Result, error) {
	return Normalize(angles, n.cal.Load(), n.hand)
}
