package recording

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/banshee-data/handtrack/internal/dispatch"
	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/monitoring"
	"github.com/banshee-data/handtrack/internal/security"
	"github.com/banshee-data/handtrack/internal/source"
	"github.com/banshee-data/handtrack/internal/timeutil"
)

var logf = monitoring.Tagged("recording")

// Target is the session a recording is captured from or played into.
type Target interface {
	ID() string
	Hand() glove.Hand
	Geometry() *glove.Geometry
	Subscribe(fn dispatch.Observer) dispatch.Token
	Unsubscribe(tok dispatch.Token) bool
	SetSource(src source.Source) error
}

// Info summarizes a saved recording.
type Info struct {
	ID       string        `json:"id"`
	Path     string        `json:"path"`
	DeviceID string        `json:"device_id"`
	Hand     glove.Hand    `json:"hand"`
	Frames   int           `json:"frames"`
	Duration time.Duration `json:"duration"`
	Created  time.Time     `json:"created"`
}

// InfoOf describes rec as stored at path.
func InfoOf(path string, rec *Recording) Info {
	return Info{
		ID:       rec.Header.ID,
		Path:     path,
		DeviceID: rec.Header.DeviceID,
		Hand:     rec.Header.Hand,
		Frames:   len(rec.Samples),
		Duration: rec.Duration(),
		Created:  rec.Header.Created,
	}
}

// Index is told about every recording the Recorder saves.
type Index interface {
	IndexRecording(ctx context.Context, info Info) error
}

// Recorder records sessions to, and plays them back from, files under Dir.
type Recorder struct {
	// Dir is where relative file names resolve. Empty means "recordings".
	Dir   string
	Clock timeutil.Clock
	// Index, if set, is updated after each save. Failures are logged.
	Index Index
}

func (r *Recorder) clock() timeutil.Clock {
	if r.Clock == nil {
		return timeutil.RealClock{}
	}
	return r.Clock
}

// dir returns the recordings directory.
func (r *Recorder) dir() string {
	if r.Dir == "" {
		return "recordings"
	}
	return r.Dir
}

// Resolve maps a file name to its path. Relative names land under Dir, and
// a name without an extension gets Ext. The result must stay inside Dir:
// absolute paths elsewhere and ".." escapes are a configuration error.
func (r *Recorder) Resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: empty recording name", glove.ErrRecordingIO)
	}
	if filepath.Ext(name) == "" {
		name += Ext
	}
	path := filepath.Clean(name)
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.dir(), name)
	}
	if err := security.ValidatePathWithinDirectory(path, r.dir()); err != nil {
		return "", fmt.Errorf("%w: %v", glove.ErrConfiguration, err)
	}
	return path, nil
}

// Capture is a recording in progress.
type Capture struct {
	target Target
	path   string
	clock  timeutil.Clock
	tok    dispatch.Token

	mu      sync.Mutex
	stopped bool
	start   time.Time
	samples []glove.Sample
}

// StartCapture subscribes to t and buffers every frame until Stop.
func (r *Recorder) StartCapture(t Target, name string) (*Capture, error) {
	path, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	c := &Capture{target: t, path: path, clock: r.clock()}
	c.tok = t.Subscribe(c.observe)
	logf("device %s: recording to %s", t.ID(), path)
	return c, nil
}

func (c *Capture) observe(_ string, f glove.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	if len(c.samples) == 0 {
		c.start = f.Timestamp
	}
	off := f.Timestamp.Sub(c.start)
	if n := len(c.samples); n > 0 && off < c.samples[n-1].Offset {
		off = c.samples[n-1].Offset
	}
	c.samples = append(c.samples, glove.Sample{Offset: off, Angles: f.Angles})
	return nil
}

// Path returns the resolved output path.
func (c *Capture) Path() string { return c.path }

// Len returns the number of frames captured so far.
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// Stop ends the capture. No frame is added after it returns. It does not
// block on delivery, so an observer may call it.
func (c *Capture) Stop() {
	c.target.Unsubscribe(c.tok)
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

// Build stops the capture and returns what it holds. Capturing nothing is
// glove.ErrNoData.
func (c *Capture) Build() (*Recording, error) {
	c.Stop()
	c.mu.Lock()
	samples := c.samples
	c.mu.Unlock()
	if len(samples) == 0 {
		return nil, fmt.Errorf("device %s: %w: nothing recorded", c.target.ID(), glove.ErrNoData)
	}
	g := c.target.Geometry()
	return New(c.target.ID(), c.target.Hand(), g.Name, "session", c.clock.Now(), samples), nil
}

// Record captures t for duration and saves the result under name,
// overwriting any existing file. Cancelling ctx abandons the capture without
// writing anything.
func (r *Recorder) Record(ctx context.Context, t Target, duration time.Duration, name string) (Info, error) {
	ctx, span := monitoring.Tracer().Start(ctx, "recording.Record", trace.WithAttributes(
		attribute.String("device.id", t.ID()),
		attribute.String("recording.name", name),
		attribute.Int64("recording.duration_ms", duration.Milliseconds()),
	))
	defer span.End()

	// The timer exists before the first frame can be captured.
	timer := r.clock().After(duration)
	c, err := r.StartCapture(t, name)
	if err != nil {
		return Info{}, spanError(span, err)
	}
	defer c.Stop()

	select {
	case <-timer:
	case <-ctx.Done():
		c.Stop()
		logf("device %s: recording to %s cancelled", t.ID(), c.path)
		return Info{}, spanError(span, ctx.Err())
	}

	rec, err := c.Build()
	if err != nil {
		return Info{}, spanError(span, err)
	}
	return r.save(ctx, span, c.path, rec)
}

// Finish stops a capture started with StartCapture and saves it.
func (r *Recorder) Finish(ctx context.Context, c *Capture) (Info, error) {
	ctx, span := monitoring.Tracer().Start(ctx, "recording.Finish", trace.WithAttributes(
		attribute.String("device.id", c.target.ID()),
	))
	defer span.End()
	rec, err := c.Build()
	if err != nil {
		return Info{}, spanError(span, err)
	}
	return r.save(ctx, span, c.path, rec)
}

func (r *Recorder) save(ctx context.Context, span trace.Span, path string, rec *Recording) (Info, error) {
	if err := Save(path, rec); err != nil {
		return Info{}, spanError(span, err)
	}
	info := InfoOf(path, rec)
	span.SetAttributes(attribute.Int("recording.frames", info.Frames))
	logf("device %s: saved %d frames (%v) to %s", info.DeviceID, info.Frames, info.Duration, path)

	if r.Index != nil {
		if err := r.Index.IndexRecording(ctx, info); err != nil {
			logf("index %s: %v", path, err)
		}
	}
	return info, nil
}

// Play loads name and plays it into t, replacing t's source. The recording
// must match t's joint layout. It returns the running playback so callers
// can adjust rate or looping.
func (r *Recorder) Play(ctx context.Context, t Target, name string, loop bool) (*source.Playback, error) {
	_, span := monitoring.Tracer().Start(ctx, "recording.Play", trace.WithAttributes(
		attribute.String("device.id", t.ID()),
		attribute.String("recording.name", name),
		attribute.Bool("recording.loop", loop),
	))
	defer span.End()

	path, err := r.Resolve(name)
	if err != nil {
		return nil, spanError(span, err)
	}
	rec, err := Load(path)
	if err != nil {
		return nil, spanError(span, err)
	}
	pb, err := r.PlayRecording(t, rec, loop)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("%s: %w", path, err))
	}
	span.SetAttributes(attribute.Int("recording.frames", len(rec.Samples)))
	logf("device %s: playing %s (%d frames, loop=%t)", t.ID(), path, len(rec.Samples), loop)
	return pb, nil
}

// PlayRecording plays an already loaded recording into t.
func (r *Recorder) PlayRecording(t Target, rec *Recording, loop bool) (*source.Playback, error) {
	if err := glove.CheckShape(rec.Samples[0].Angles, t.Geometry()); err != nil {
		return nil, err
	}
	if rec.Header.Hand != t.Hand() {
		logf("device %s: playing a %s hand recording on a %s hand session", t.ID(), rec.Header.Hand, t.Hand())
	}
	pb, err := source.NewPlayback(rec.Samples, loop, source.WithClock(r.clock()))
	if err != nil {
		return nil, err
	}
	if err := t.SetSource(pb); err != nil {
		return nil, err
	}
	return pb, nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
