package source

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/timeutil"
)

// Mode selects how the Generator animates joint angles.
type Mode int32

const (
	// ModeSteady holds Pose.
	ModeSteady Mode = iota
	// ModeOpenClose eases every joint between Open and Closed and back.
	ModeOpenClose
	// ModeSine adds a sinusoid to Pose.
	ModeSine
	// ModeCustom calls the configured CustomFunc every tick.
	ModeCustom
)

func (m Mode) String() string {
	switch m {
	case ModeSteady:
		return "steady"
	case ModeOpenClose:
		return "open-close"
	case ModeSine:
		return "sine"
	case ModeCustom:
		return "custom"
	default:
		return fmt.Sprintf("Mode(%d)", int32(m))
	}
}

// ParseMode accepts the names returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	for m := ModeSteady; m <= ModeCustom; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return ModeSteady, fmt.Errorf("%w: unknown simulation mode %q", glove.ErrConfiguration, s)
}

// CustomFunc maps seconds since the generator first started to a full set of
// joint angles. It is called on the producer goroutine every tick and must
// be fast and free of side effects.
type CustomFunc func(elapsed float64) glove.Angles

// GeneratorConfig holds the parameters for every mode. Zero values take the
// defaults documented on each field.
type GeneratorConfig struct {
	// Rate is the tick frequency in Hz. Default 1000.
	Rate float64
	// Pose is the steady pose and the centre of the sine. Default
	// DefaultPose for 8-joint fingers, otherwise all zeros.
	Pose glove.Angles
	// Open and Closed are the open-close endpoints. Default Pose, and Pose
	// with every flexion joint bent a further 35 degrees.
	Open, Closed glove.Angles
	// CycleHz is the open-close frequency. Default 0.5.
	CycleHz float64
	// Amplitude (radians) and Frequency (Hz) shape the sine. Defaults 0.2
	// and 0.5.
	Amplitude, Frequency float64
	// Custom is required before switching to ModeCustom.
	Custom CustomFunc
}

// maxSaneAngle is the magnitude above which a configured angle is almost
// certainly in degrees rather than radians.
const maxSaneAngle = 10.0

// DefaultPose returns the resting pose of the v05 exoskeleton, in radians.
func DefaultPose() glove.Angles {
	deg := []float64{0, -15, 45, -90, 120, -100, 90, 90}
	var a glove.Angles
	for i := range a {
		a[i] = make([]float64, len(deg))
		for k, d := range deg {
			a[i][k] = d * math.Pi / 180
		}
	}
	return a
}

func smoothstep(t float64) float64 {
	return t * t * (3 - 2*t)
}

// Generator is the simulated Source. Mode changes apply on the next tick and
// never reset the elapsed time that drives the animation.
type Generator struct {
	clock  timeutil.Clock
	shape  [glove.NumFingers]int
	period time.Duration

	mu  sync.RWMutex
	cfg GeneratorConfig

	mode    atomic.Int32
	alive   atomic.Bool
	missed  atomic.Uint64
	started sync.Once
	epoch   time.Time
}

// NewGenerator returns a generator producing frames of the given shape.
// Configured angle sets must match shape.
func NewGenerator(shape [glove.NumFingers]int, cfg GeneratorConfig, opts ...Option) (*Generator, error) {
	o := buildOptions(opts)
	if cfg.Rate <= 0 {
		cfg.Rate = 1000
	}
	if cfg.Pose[0] == nil {
		if shape == DefaultPose().Shape() {
			cfg.Pose = DefaultPose()
		} else {
			cfg.Pose = zeroAngles(shape)
		}
	}
	if cfg.Open[0] == nil {
		cfg.Open = cfg.Pose.Clone()
	}
	if cfg.Closed[0] == nil {
		cfg.Closed = cfg.Pose.Clone()
		for i := range cfg.Closed {
			for k := 1; k < len(cfg.Closed[i]); k++ {
				cfg.Closed[i][k] += 35 * math.Pi / 180
			}
		}
	}
	if cfg.CycleHz <= 0 {
		cfg.CycleHz = 0.5
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = 0.2
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = 0.5
	}
	for name, a := range map[string]glove.Angles{"pose": cfg.Pose, "open": cfg.Open, "closed": cfg.Closed} {
		if got := a.Shape(); got != shape {
			return nil, fmt.Errorf("%s: %w", name, shapeError(got, shape))
		}
		warnIfDegrees(name, a)
	}

	g := &Generator{
		clock:  o.clock,
		shape:  shape,
		period: time.Duration(float64(time.Second) / cfg.Rate),
		cfg:    cfg,
	}
	return g, nil
}

func warnIfDegrees(name string, a glove.Angles) {
	for i := range a {
		for k, v := range a[i] {
			if math.Abs(v) > maxSaneAngle {
				logf("%s angle %s[%d] = %.2f rad, are these degrees?", name, glove.FingerName(i), k, v)
				return
			}
		}
	}
}

func (g *Generator) Kind() Kind { return KindSimulated }

func (g *Generator) Alive() bool { return g.alive.Load() }

// Mode returns the active mode.
func (g *Generator) Mode() Mode { return Mode(g.mode.Load()) }

// SetMode switches mode from the next tick. Switching to ModeCustom without
// a CustomFunc fails with glove.ErrConfiguration.
func (g *Generator) SetMode(m Mode) error {
	if m < ModeSteady || m > ModeCustom {
		return fmt.Errorf("%w: unknown simulation mode %d", glove.ErrConfiguration, m)
	}
	if m == ModeCustom {
		g.mu.RLock()
		fn := g.cfg.Custom
		g.mu.RUnlock()
		if fn == nil {
			return fmt.Errorf("%w: custom mode requires a function", glove.ErrConfiguration)
		}
	}
	g.mode.Store(int32(m))
	return nil
}

// SetCustom installs the function used by ModeCustom.
func (g *Generator) SetCustom(fn CustomFunc) {
	g.mu.Lock()
	g.cfg.Custom = fn
	g.mu.Unlock()
}

// SetPose replaces the steady pose.
func (g *Generator) SetPose(pose glove.Angles) error {
	if got := pose.Shape(); got != g.shape {
		return shapeError(got, g.shape)
	}
	warnIfDegrees("pose", pose)
	g.mu.Lock()
	g.cfg.Pose = pose.Clone()
	g.mu.Unlock()
	return nil
}

// Missed counts ticks skipped because the producer fell behind.
func (g *Generator) Missed() uint64 { return g.missed.Load() }

// FrameAt computes the angles for the active mode at elapsed seconds.
func (g *Generator) FrameAt(elapsed float64) (glove.Angles, error) {
	g.mu.RLock()
	cfg := g.cfg
	g.mu.RUnlock()

	switch Mode(g.mode.Load()) {
	case ModeOpenClose:
		tn := 0.5 * (1 - math.Cos(2*math.Pi*cfg.CycleHz*elapsed))
		w := smoothstep(tn)
		out := cfg.Open.Clone()
		for i := range out {
			for k := range out[i] {
				out[i][k] += w * (cfg.Closed[i][k] - cfg.Open[i][k])
			}
		}
		return out, nil
	case ModeSine:
		d := cfg.Amplitude * math.Sin(2*math.Pi*cfg.Frequency*elapsed)
		out := cfg.Pose.Clone()
		for i := range out {
			for k := range out[i] {
				out[i][k] += d
			}
		}
		return out, nil
	case ModeCustom:
		if cfg.Custom == nil {
			return glove.Angles{}, fmt.Errorf("%w: custom mode requires a function", glove.ErrConfiguration)
		}
		out := cfg.Custom(elapsed)
		if got := out.Shape(); got != g.shape {
			return glove.Angles{}, fmt.Errorf("custom function: %w", shapeError(got, g.shape))
		}
		return out.Clone(), nil
	default:
		return cfg.Pose.Clone(), nil
	}
}

// Start ticks at the configured rate until ctx is cancelled. A custom
// function returning the wrong shape stops the generator with
// glove.ErrConfiguration.
func (g *Generator) Start(ctx context.Context, emit func(glove.Frame)) error {
	g.started.Do(func() { g.epoch = g.clock.Now() })
	ticker := g.clock.NewTicker(g.period)
	defer ticker.Stop()

	g.alive.Store(true)
	defer g.alive.Store(false)

	var (
		last       time.Time
		lastReport time.Time
		reported   uint64
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C():
			if !last.IsZero() {
				if gap := now.Sub(last); gap > 2*g.period {
					g.missed.Add(uint64(gap/g.period) - 1)
				}
			}
			last = now

			if m := g.missed.Load(); m != reported && now.Sub(lastReport) >= time.Second {
				logf("generator fell behind: %d ticks missed", m-reported)
				reported, lastReport = m, now
			}

			angles, err := g.FrameAt(now.Sub(g.epoch).Seconds())
			if err != nil {
				return err
			}
			emit(glove.Frame{Angles: angles, Timestamp: now})
		}
	}
}
