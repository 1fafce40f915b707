package glove

import "fmt"

// FingerCalibration holds the reference angles for one finger, in radians.
// FlexOpen and FlexClosed refer to the sum of the finger's flexion angles.
// For the index to pinky fingers AbdLow/AbdHigh are the left/right splay
// limits. For the thumb they are the in-plane and radially extended limits.
type FingerCalibration struct {
	FlexOpen   float64 `json:"flex_open" yaml:"flex_open"`
	FlexClosed float64 `json:"flex_closed" yaml:"flex_closed"`
	AbdLow     float64 `json:"abd_low" yaml:"abd_low"`
	AbdHigh    float64 `json:"abd_high" yaml:"abd_high"`
}

// Calibration is a complete per-finger calibration profile. It is replaced
// as a whole; holders of a *Calibration must treat it as read-only.
type Calibration struct {
	Fingers [NumFingers]FingerCalibration `json:"fingers" yaml:"fingers"`
}

// Reference angles for the v05 exoskeleton, in radians.
var (
	defaultFlexOpen   = [NumFingers]float64{0, 0.524, 0.345, 0.414, 0.4}
	defaultFlexClosed = [NumFingers]float64{1.8, 3.265, 3.0, 3.0, 2.75}
	defaultAbdLow     = [NumFingers]float64{0, -0.3, -0.3, -0.3, -0.3}
	defaultAbdHigh    = [NumFingers]float64{0.5, 0.3, 0.3, 0.3, 0.3}
)

// DefaultCalibration returns the factory reference ranges.
func DefaultCalibration() *Calibration {
	c := &Calibration{}
	for i := range c.Fingers {
		c.Fingers[i] = FingerCalibration{
			FlexOpen:   defaultFlexOpen[i],
			FlexClosed: defaultFlexClosed[i],
			AbdLow:     defaultAbdLow[i],
			AbdHigh:    defaultAbdHigh[i],
		}
	}
	return c
}

// Clone returns a copy that can be edited before being installed.
func (c *Calibration) Clone() *Calibration {
	cp := *c
	return &cp
}

// WithFlexion returns a copy of c with new open/closed references for one
// finger.
func (c *Calibration) WithFlexion(finger int, open, closed float64) (*Calibration, error) {
	if finger < 0 || finger >= NumFingers {
		return nil, fmt.Errorf("%w: finger index %d out of range", ErrConfiguration, finger)
	}
	cp := c.Clone()
	cp.Fingers[finger].FlexOpen = open
	cp.Fingers[finger].FlexClosed = closed
	return cp, nil
}

// WithAbduction returns a copy of c with new abduction references for one
// finger.
func (c *Calibration) WithAbduction(finger int, low, high float64) (*Calibration, error) {
	if finger < 0 || finger >= NumFingers {
		return nil, fmt.Errorf("%w: finger index %d out of range", ErrConfiguration, finger)
	}
	cp := c.Clone()
	cp.Fingers[finger].AbdLow = low
	cp.Fingers[finger].AbdHigh = high
	return cp, nil
}
