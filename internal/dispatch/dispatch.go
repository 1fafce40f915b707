// Package dispatch delivers frames from the active data source to a
// session's observers and keeps the single latest-frame slot used by
// polling readers.
//
// Publish overwrites the slot and then calls every observer synchronously,
// in registration order, while holding the dispatch lock; observers of one
// dispatcher never run concurrently. Readers of the slot never take that
// lock, so polling never waits on a slow observer.
package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/monitoring"
	"github.com/banshee-data/handtrack/internal/timeutil"
)

var logf = monitoring.Tagged("dispatch")

// Observer is invoked with the device id for every delivered frame. The
// frame's angle slices are shared and must not be modified. Observers must
// not call Publish on the dispatcher that invoked them.
type Observer func(deviceID string, frame glove.Frame) error

// Token identifies a registered observer.
type Token string

// ObserverError wraps a failure returned or raised by an observer.
type ObserverError struct {
	Token Token
	Seq   uint64
	Err   error
}

func (e *ObserverError) Error() string {
	return fmt.Sprintf("observer %s failed on frame %d: %v", e.Token, e.Seq, e.Err)
}

func (e *ObserverError) Unwrap() error { return e.Err }

// ErrorSink receives observer failures. It is called on the producer
// goroutine and must not block.
type ErrorSink func(deviceID string, err error)

func logSink(deviceID string, err error) {
	logf("device %s: %v", deviceID, err)
}

type entry struct {
	token Token
	fn    Observer
}

// Dispatcher is the per-session frame fan-out.
type Dispatcher struct {
	deviceID string
	clock    timeutil.Clock
	sink     ErrorSink
	fps      *monitoring.FPSCounter

	latest atomic.Pointer[glove.Frame]

	// observers is replaced wholesale under mu; Publish reads a snapshot.
	mu        sync.Mutex
	observers atomic.Pointer[[]entry]

	dispatchMu sync.Mutex
	lastSeq    uint64

	producerGen atomic.Uint64
	closed      atomic.Bool
	dropped     atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the clock used to stamp frames without a timestamp.
func WithClock(c timeutil.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithErrorSink routes observer failures to sink instead of the log.
func WithErrorSink(sink ErrorSink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

// New returns a Dispatcher for deviceID.
func New(deviceID string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		deviceID: deviceID,
		clock:    timeutil.RealClock{},
		sink:     logSink,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.fps = monitoring.NewFPSCounter(d.clock, time.Second)
	empty := []entry{}
	d.observers.Store(&empty)
	return d
}

// DeviceID returns the id passed to observers.
func (d *Dispatcher) DeviceID() string { return d.deviceID }

// Subscribe registers fn after all existing observers.
func (d *Dispatcher) Subscribe(fn Observer) Token {
	tok := Token(uuid.NewString())
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := *d.observers.Load()
	next := make([]entry, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, entry{token: tok, fn: fn})
	d.observers.Store(&next)
	return tok
}

// Unsubscribe removes the observer registered under tok. Called from inside
// an observer, the removal applies from the next Publish onward. It reports
// whether tok was registered.
func (d *Dispatcher) Unsubscribe(tok Token) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := *d.observers.Load()
	for i, e := range cur {
		if e.token == tok {
			next := make([]entry, 0, len(cur)-1)
			next = append(next, cur[:i]...)
			next = append(next, cur[i+1:]...)
			d.observers.Store(&next)
			return true
		}
	}
	return false
}

// ObserverCount returns the number of registered observers.
func (d *Dispatcher) ObserverCount() int {
	return len(*d.observers.Load())
}

// Latest returns the most recently published frame. ok is false until the
// first frame arrives.
func (d *Dispatcher) Latest() (frame glove.Frame, ok bool) {
	p := d.latest.Load()
	if p == nil {
		return glove.Frame{}, false
	}
	return *p, true
}

// FPS returns the publish rate over the last second.
func (d *Dispatcher) FPS() float64 { return d.fps.Rate() }

// Dropped counts frames discarded because their producer was retired or the
// dispatcher was closed.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Publish delivers a frame that does not belong to a managed producer, such
// as a direct transport push. It returns the assigned sequence number, or 0
// if the dispatcher is closed.
func (d *Dispatcher) Publish(f glove.Frame) uint64 {
	return d.publish(0, f)
}

// NewProducer retires every earlier producer and returns an emit function
// bound to a fresh producer generation. Frames emitted through a retired
// producer are dropped.
func (d *Dispatcher) NewProducer() func(glove.Frame) {
	gen := d.producerGen.Add(1)
	return func(f glove.Frame) { d.publish(gen, f) }
}

// RetireProducers invalidates every emit function handed out so far. It
// never waits for the dispatch lock, so it is safe to call from an observer;
// frames not yet delivered by a retired producer are discarded, including
// the remaining observers of a frame in flight.
func (d *Dispatcher) RetireProducers() {
	d.producerGen.Add(1)
}

// Close stops all further delivery. The latest frame remains readable.
func (d *Dispatcher) Close() {
	d.closed.Store(true)
	d.producerGen.Add(1)
}

func (d *Dispatcher) live(gen uint64) bool {
	if d.closed.Load() {
		return false
	}
	return gen == 0 || gen == d.producerGen.Load()
}

func (d *Dispatcher) publish(gen uint64, f glove.Frame) uint64 {
	frame := glove.Frame{
		Angles:    f.Angles.Clone(),
		Timestamp: f.Timestamp,
		Seq:       f.Seq,
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = d.clock.Now()
	}

	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	if !d.live(gen) {
		d.dropped.Add(1)
		return 0
	}

	if frame.Seq <= d.lastSeq {
		frame.Seq = d.lastSeq + 1
	}
	d.lastSeq = frame.Seq
	d.latest.Store(&frame)
	d.fps.Tick()

	for _, e := range *d.observers.Load() {
		if !d.live(gen) {
			break
		}
		d.invoke(e, frame)
	}
	return frame.Seq
}

func (d *Dispatcher) invoke(e entry, frame glove.Frame) {
	defer func() {
		if r := recover(); r != nil {
			d.sink(d.deviceID, &ObserverError{Token: e.token, Seq: frame.Seq, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	if err := e.fn(d.deviceID, frame); err != nil {
		d.sink(d.deviceID, &ObserverError{Token: e.token, Seq: frame.Seq, Err: err})
	}
}
