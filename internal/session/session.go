// Package session ties one glove's data source, dispatcher, geometry and
// calibration together and exposes the consumer surface: raw angles,
// kinematics, percentage-bent values and frame callbacks.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/handtrack/internal/dispatch"
	"github.com/banshee-data/handtrack/internal/filter"
	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/kinematics"
	"github.com/banshee-data/handtrack/internal/monitoring"
	"github.com/banshee-data/handtrack/internal/percentbent"
	"github.com/banshee-data/handtrack/internal/source"
	"github.com/banshee-data/handtrack/internal/timeutil"
)

var logf = monitoring.Tagged("session")

type options struct {
	geometry    *glove.Geometry
	calibration *glove.Calibration
	clock       timeutil.Clock
	smoothing   int
	sink        dispatch.ErrorSink
}

// Option configures a Session.
type Option func(*options)

// WithGeometry overrides the default geometry profile for the hand.
func WithGeometry(g *glove.Geometry) Option {
	return func(o *options) { o.geometry = g }
}

// WithCalibration sets the initial calibration profile.
func WithCalibration(c *glove.Calibration) Option {
	return func(o *options) { o.calibration = c }
}

// WithClock sets the clock used to stamp frames.
func WithClock(c timeutil.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSmoothing runs every frame through a median filter of the given
// window before it is published. Zero disables smoothing.
func WithSmoothing(window int) Option {
	return func(o *options) { o.smoothing = window }
}

// WithErrorSink routes observer failures to sink.
func WithErrorSink(sink dispatch.ErrorSink) Option {
	return func(o *options) { o.sink = sink }
}

// running is one started source.
type running struct {
	src      source.Source
	cancel   context.CancelFunc
	done     chan struct{}
	emitting atomic.Int32
	err      atomic.Pointer[error]
}

// Session is one connected (or simulated) glove.
type Session struct {
	id       string
	hand     glove.Hand
	geometry *glove.Geometry
	shape    [glove.NumFingers]int
	norm     *percentbent.Normalizer
	disp     *dispatch.Dispatcher
	smooth   *filter.Median

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active *running
	last   *running
	closed atomic.Bool
}

// New returns a session for device id. Without WithGeometry the default
// profile for hand is used; a supplied profile must be for the same hand.
func New(id string, hand glove.Hand, opts ...Option) (*Session, error) {
	o := options{clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty device id", glove.ErrConfiguration)
	}
	if o.geometry == nil {
		o.geometry = glove.DefaultGeometry(hand)
	}
	if err := o.geometry.Validate(); err != nil {
		return nil, err
	}
	if o.geometry.Hand != hand {
		return nil, fmt.Errorf("%w: geometry %q is for the %s hand, session is %s",
			glove.ErrConfiguration, o.geometry.Name, o.geometry.Hand, hand)
	}
	if o.calibration == nil {
		o.calibration = glove.DefaultCalibration()
	}

	dopts := []dispatch.Option{dispatch.WithClock(o.clock)}
	if o.sink != nil {
		dopts = append(dopts, dispatch.WithErrorSink(o.sink))
	}

	s := &Session{
		id:       id,
		hand:     hand,
		geometry: o.geometry,
		shape:    o.geometry.JointCounts(),
		norm:     percentbent.NewNormalizer(hand, o.calibration),
		disp:     dispatch.New(id, dopts...),
	}
	if o.smoothing > 0 {
		m, err := filter.NewMedian(o.smoothing)
		if err != nil {
			return nil, err
		}
		s.smooth = m
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Hand() glove.Hand          { return s.hand }
func (s *Session) Geometry() *glove.Geometry { return s.geometry }

// Shape returns the joint count per finger every frame must have.
func (s *Session) Shape() [glove.NumFingers]int { return s.shape }

// Calibration returns the active calibration profile. Callers must not
// modify it.
func (s *Session) Calibration() *glove.Calibration { return s.norm.Calibration() }

// SetCalibration atomically replaces the calibration profile. Reads already
// in progress finish with the old profile.
func (s *Session) SetCalibration(c *glove.Calibration) {
	s.norm.SetCalibration(c)
	logf("device %s: calibration replaced", s.id)
}

// Subscribe registers fn for every subsequent frame.
func (s *Session) Subscribe(fn dispatch.Observer) dispatch.Token {
	return s.disp.Subscribe(fn)
}

// Unsubscribe removes a registration; it reports whether tok was known.
func (s *Session) Unsubscribe(tok dispatch.Token) bool {
	return s.disp.Unsubscribe(tok)
}

// Latest returns the most recent raw frame, or glove.ErrNoData.
func (s *Session) Latest() (glove.Frame, error) {
	f, ok := s.disp.Latest()
	if !ok {
		return glove.Frame{}, fmt.Errorf("device %s: %w", s.id, glove.ErrNoData)
	}
	return f, nil
}

// Degrees returns the latest angles in degrees wrapped to [-180, 180].
func (s *Session) Degrees() (glove.Angles, error) {
	f, err := s.Latest()
	if err != nil {
		return glove.Angles{}, err
	}
	return glove.Degrees(f.Angles), nil
}

// Kinematics solves the latest frame against the session geometry.
func (s *Session) Kinematics() (kinematics.Hand, error) {
	f, err := s.Latest()
	if err != nil {
		return kinematics.Hand{}, err
	}
	return kinematics.Solve(f.Angles, s.geometry)
}

// Fingertips returns the tip pose of every finger for the latest frame.
func (s *Session) Fingertips() ([glove.NumFingers]kinematics.Pose, error) {
	h, err := s.Kinematics()
	if err != nil {
		return [glove.NumFingers]kinematics.Pose{}, err
	}
	return h.Tips(), nil
}

// TipDistances returns the distance from the thumb tip to each other tip.
func (s *Session) TipDistances() ([glove.NumFingers - 1]float64, error) {
	h, err := s.Kinematics()
	if err != nil {
		return [glove.NumFingers - 1]float64{}, err
	}
	return kinematics.TipDistances(h), nil
}

// PercentBent normalizes the latest frame. A *percentbent.DegenerateError
// comes with a usable result.
func (s *Session) PercentBent() (percentbent.Result, error) {
	f, err := s.Latest()
	if err != nil {
		return percentbent.Result{}, err
	}
	return s.norm.Normalize(f.Angles)
}

// RawPercentBentAngles returns the flexion sums and hand-mirrored splay of
// the latest frame, the inputs percent bent is computed from. Calibration
// references are read off these values.
func (s *Session) RawPercentBentAngles() (percentbent.Raw, error) {
	f, err := s.Latest()
	if err != nil {
		return percentbent.Raw{}, err
	}
	return percentbent.RawAngles(f.Angles, s.hand)
}

// FPS returns the frame rate over the last second.
func (s *Session) FPS() float64 { return s.disp.FPS() }

// Publish delivers a frame pushed directly by a transport, bypassing the
// active source. It returns the assigned sequence number.
func (s *Session) Publish(f glove.Frame) (uint64, error) {
	if got := f.Angles.Shape(); got != s.shape {
		return 0, fmt.Errorf("%w: device %s frame has joints %v, want %v", glove.ErrConfiguration, s.id, got, s.shape)
	}
	if s.smooth != nil {
		f.Angles = s.smooth.Apply(f.Angles)
	}
	return s.disp.Publish(f), nil
}

// Source returns the active source, or nil.
func (s *Session) Source() source.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.src
}

// SetSource stops the active source and starts src on its own goroutine.
// Frames the previous source emits after this call are discarded. A source
// implementing source.Attacher accepts frames as soon as SetSource returns.
// Playback frames bypass the smoothing filter so replays stay bit-exact.
func (s *Session) SetSource(src source.Source) error {
	if src == nil {
		return fmt.Errorf("%w: nil source", glove.ErrConfiguration)
	}
	s.StopSource()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return fmt.Errorf("%w: device %s session is closed", glove.ErrConfiguration, s.id)
	}
	if s.active != nil {
		// Another SetSource won the race; it loses its source.
		s.halt(s.active)
	}
	// Recorded frames were smoothed when captured; filtering them again
	// would change what is replayed.
	smooth := s.smooth
	if src.Kind() == source.KindPlayback {
		smooth = nil
	}
	if smooth != nil {
		smooth.Reset()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	r := &running{src: src, cancel: cancel, done: make(chan struct{})}
	emit := s.disp.NewProducer()
	wrapped := func(f glove.Frame) {
		r.emitting.Add(1)
		defer r.emitting.Add(-1)
		if smooth != nil {
			f.Angles = smooth.Apply(f.Angles)
		}
		emit(f)
	}
	s.active = r
	s.last = r
	if a, ok := src.(source.Attacher); ok {
		a.Attach(wrapped)
	}

	logf("device %s: starting %s source", s.id, src.Kind())
	go func() {
		defer close(r.done)
		if err := src.Start(ctx, wrapped); err != nil {
			r.err.Store(&err)
			logf("device %s: %s source stopped: %v", s.id, src.Kind(), err)
		}
	}()
	return nil
}

// halt retires r and cancels it without waiting. Called with mu held.
func (s *Session) halt(r *running) {
	s.disp.RetireProducers()
	r.cancel()
}

// StopSource stops the active source. Once it returns, no observer call
// for a frame of that source starts. It waits for the producer goroutine to
// exit unless one of the source's frames is being delivered at the time.
// That is always the case when an observer stops the source, and waiting
// would deadlock, so it cancels and returns at once. It is also the case
// when another goroutine stops the source mid-delivery: the observer
// already running for that frame may still be executing after StopSource
// returns.
func (s *Session) StopSource() {
	s.mu.Lock()
	r := s.active
	s.active = nil
	if r != nil {
		s.halt(r)
	}
	s.mu.Unlock()

	if r == nil || r.emitting.Load() > 0 {
		return
	}
	<-r.done
}

// Close stops the source and all delivery. The last frame stays readable.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.StopSource()
	s.disp.Close()
	s.cancel()
	logf("device %s: session closed", s.id)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.closed.Load() }

// Status is a point-in-time summary for APIs and the console.
type Status struct {
	DeviceID  string  `json:"device_id"`
	Hand      string  `json:"hand"`
	Geometry  string  `json:"geometry"`
	Source    string  `json:"source,omitempty"`
	Alive     bool    `json:"alive"`
	FPS       float64 `json:"fps"`
	Seq       uint64  `json:"seq"`
	Observers int     `json:"observers"`
	Dropped   uint64  `json:"dropped"`
	LastError string  `json:"last_error,omitempty"`
}

// Status reports the session state.
func (s *Session) Status() Status {
	st := Status{
		DeviceID:  s.id,
		Hand:      s.hand.String(),
		Geometry:  s.geometry.Name,
		FPS:       s.disp.FPS(),
		Observers: s.disp.ObserverCount(),
		Dropped:   s.disp.Dropped(),
	}
	if f, ok := s.disp.Latest(); ok {
		st.Seq = f.Seq
	}
	s.mu.Lock()
	active, last := s.active, s.last
	s.mu.Unlock()
	if active != nil {
		st.Source = active.src.Kind().String()
		st.Alive = active.src.Alive()
	}
	if last != nil {
		if err := last.err.Load(); err != nil {
			st.LastError = (*err).Error()
		}
	}
	return st
}
