package glove

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

// FingerGeometry is the static description of one finger chain in the hub
// frame. Links[k] is the link vector travelled after joint k is applied.
type FingerGeometry struct {
	Links        []r3.Vec
	BasePos      r3.Vec
	BaseRot      quat.Number
	TipOffsetPos r3.Vec
	TipOffsetRot quat.Number
}

// Geometry is the immutable set of finger chains for one device. Callers
// must not modify a Geometry after it has been handed to a session.
type Geometry struct {
	Name    string
	Hand    Hand
	Fingers [NumFingers]FingerGeometry
}

// JointCounts returns the number of joints on each finger.
func (g *Geometry) JointCounts() [NumFingers]int {
	var n [NumFingers]int
	for i, f := range g.Fingers {
		n[i] = len(f.Links)
	}
	return n
}

// Validate checks that every finger has a splay joint and at least one
// flexion joint, and that rotations are non-zero.
func (g *Geometry) Validate() error {
	for i, f := range g.Fingers {
		if len(f.Links) < 2 {
			return fmt.Errorf("%w: %s needs a splay and at least one flexion joint, got %d joints",
				ErrConfiguration, FingerName(i), len(f.Links))
		}
		if quat.Abs(f.BaseRot) == 0 {
			return fmt.Errorf("%w: %s base rotation is zero", ErrConfiguration, FingerName(i))
		}
		if quat.Abs(f.TipOffsetRot) == 0 {
			return fmt.Errorf("%w: %s fingertip rotation is zero", ErrConfiguration, FingerName(i))
		}
	}
	return nil
}

// EulerQuat builds a unit quaternion from roll/pitch/yaw angles in radians
// applied in Z-Y-X order.
func EulerQuat(ax, ay, az float64) quat.Number {
	cx, sx := math.Cos(ax/2), math.Sin(ax/2)
	cy, sy := math.Cos(ay/2), math.Sin(ay/2)
	cz, sz := math.Cos(az/2), math.Sin(az/2)
	return quat.Number{
		Real: cz*cy*cx + sz*sy*sx,
		Imag: cz*cy*sx - sz*sy*cx,
		Jmag: cz*sy*cx + sz*cy*sx,
		Kmag: sz*cy*cx - cz*sy*sx,
	}
}

// Identity is the no-rotation quaternion.
var Identity = quat.Number{Real: 1}

const deg = math.Pi / 180

// v05 exoskeleton dimensions, in millimetres.
var (
	v05Links = []float64{13.3, 35, 35, 35, 35, 35, 35, 10}

	v05Bases = [NumFingers]r3.Vec{
		{X: -80.0838, Y: 10.6155, Z: -35.5296},
		{X: 0, Y: 0, Z: 0},
		{X: 9, Y: -22.25, Z: 0},
		{X: 0, Y: -44.70, Z: 0},
		{X: -9, Y: -67.05, Z: 0},
	}

	v05ThumbRotDeg = r3.Vec{X: -85, Y: 0, Z: 56}

	defaultTipOffsetPos = r3.Vec{X: 14}
	defaultTipOffsetRot = r3.Vec{Y: -90}
)

// DefaultGeometry returns the v05 exoskeleton for the given hand. The left
// hand mirrors the right across the hub xz-plane.
func DefaultGeometry(hand Hand) *Geometry {
	g := &Geometry{Name: "v05", Hand: hand}
	for i := range g.Fingers {
		links := make([]r3.Vec, len(v05Links))
		for k, l := range v05Links {
			links[k] = r3.Vec{X: l}
		}
		base := v05Bases[i]
		rot := Identity
		if i == Thumb {
			e := v05ThumbRotDeg
			if hand == Left {
				e = r3.Vec{X: -e.X, Y: e.Y, Z: -e.Z}
			}
			rot = EulerQuat(e.X*deg, e.Y*deg, e.Z*deg)
		}
		if hand == Left {
			base.Y = -base.Y
		}
		g.Fingers[i] = FingerGeometry{
			Links:        links,
			BasePos:      base,
			BaseRot:      rot,
			TipOffsetPos: defaultTipOffsetPos,
			TipOffsetRot: EulerQuat(defaultTipOffsetRot.X*deg, defaultTipOffsetRot.Y*deg, defaultTipOffsetRot.Z*deg),
		}
	}
	return g
}

// geometryFile is the on-disk YAML layout. Rotations are Euler degrees.
type geometryFile struct {
	Name    string       `yaml:"name"`
	Hand    string       `yaml:"hand"`
	Fingers []fingerFile `yaml:"fingers"`
}

type fingerFile struct {
	BasePos         []float64   `yaml:"base_pos"`
	BaseRotDeg      []float64   `yaml:"base_rot_deg,omitempty"`
	Links           [][]float64 `yaml:"links"`
	TipOffsetPos    []float64   `yaml:"tip_offset_pos,omitempty"`
	TipOffsetRotDeg []float64   `yaml:"tip_offset_rot_deg,omitempty"`
}

func vec3(name string, v []float64) (r3.Vec, error) {
	if len(v) != 3 {
		return r3.Vec{}, fmt.Errorf("%w: %s must have 3 components, got %d", ErrConfiguration, name, len(v))
	}
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}, nil
}

// ParseGeometry decodes a YAML geometry profile. Omitted fingertip offsets
// take the v05 defaults.
func ParseGeometry(data []byte) (*Geometry, error) {
	var f geometryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse geometry: %v", ErrConfiguration, err)
	}
	if len(f.Fingers) != NumFingers {
		return nil, fmt.Errorf("%w: geometry must describe %d fingers, got %d", ErrConfiguration, NumFingers, len(f.Fingers))
	}
	hand, err := ParseHand(f.Hand)
	if err != nil {
		return nil, err
	}

	g := &Geometry{Name: f.Name, Hand: hand}
	for i, ff := range f.Fingers {
		name := FingerName(i)
		var fg FingerGeometry
		if fg.BasePos, err = vec3(name+".base_pos", ff.BasePos); err != nil {
			return nil, err
		}
		fg.BaseRot = Identity
		if ff.BaseRotDeg != nil {
			e, err := vec3(name+".base_rot_deg", ff.BaseRotDeg)
			if err != nil {
				return nil, err
			}
			fg.BaseRot = EulerQuat(e.X*deg, e.Y*deg, e.Z*deg)
		}
		for k, l := range ff.Links {
			v, err := vec3(fmt.Sprintf("%s.links[%d]", name, k), l)
			if err != nil {
				return nil, err
			}
			fg.Links = append(fg.Links, v)
		}
		fg.TipOffsetPos = defaultTipOffsetPos
		if ff.TipOffsetPos != nil {
			if fg.TipOffsetPos, err = vec3(name+".tip_offset_pos", ff.TipOffsetPos); err != nil {
				return nil, err
			}
		}
		e := defaultTipOffsetRot
		if ff.TipOffsetRotDeg != nil {
			if e, err = vec3(name+".tip_offset_rot_deg", ff.TipOffsetRotDeg); err != nil {
				return nil, err
			}
		}
		fg.TipOffsetRot = EulerQuat(e.X*deg, e.Y*deg, e.Z*deg)
		g.Fingers[i] = fg
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadGeometry reads a YAML geometry profile from path.
func LoadGeometry(path string) (*Geometry, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read geometry file: %w", err)
	}
	return ParseGeometry(data)
}
