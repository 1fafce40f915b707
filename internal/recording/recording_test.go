package recording

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/kinematics"
	"github.com/banshee-data/handtrack/internal/monitoring"
	"github.com/banshee-data/handtrack/internal/percentbent"
	"github.com/banshee-data/handtrack/internal/session"
	"github.com/banshee-data/handtrack/internal/source"
	"github.com/banshee-data/handtrack/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// awkward returns a pose carrying values that lossy float encodings would
// alter.
func awkward(i int) glove.Angles {
	a := source.DefaultPose()
	a[glove.Thumb][0] = math.Float64frombits(0x7ff8000000000123) // NaN with payload
	a[glove.Thumb][1] = math.Copysign(0, -1)
	a[glove.Index][2] = math.Inf(1)
	a[glove.Middle][3] = 5e-324
	a[glove.Ring][4] = 0.1 + float64(i)*1e-17
	a[glove.Pinky][5] = math.Pi / 3
	return a
}

func sampleRecording(n int) *Recording {
	var samples []glove.Sample
	for i := 0; i < n; i++ {
		samples = append(samples, glove.Sample{Offset: time.Duration(i) * time.Millisecond, Angles: awkward(i)})
	}
	return New("glove-1", glove.Left, "v05-left", "session", epoch, samples)
}

func TestEncodeDecode_BitExact(t *testing.T) {
	rec := sampleRecording(20)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, rec))

	got, err := Decode(&buf)
	require.NoError(t, err)

	if diff := cmp.Diff(rec.Header, got.Header); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, got.Samples, len(rec.Samples))
	for i := range rec.Samples {
		assert.Equal(t, rec.Samples[i].Offset, got.Samples[i].Offset)
		assert.True(t, rec.Samples[i].Angles.Equal(got.Samples[i].Angles), "sample %d angles differ", i)
	}
	assert.True(t, math.Signbit(got.Samples[0].Angles[glove.Thumb][1]), "negative zero lost its sign")
}

func TestDecode_Rejects(t *testing.T) {
	var good bytes.Buffer
	require.NoError(t, Encode(&good, sampleRecording(3)))
	full := good.Bytes()

	notCBOR := []byte("definitely not a recording")

	wrongMagic, err := encMode.Marshal(fileHeader{Magic: "NOPE", Version: Version, Hand: "right"})
	require.NoError(t, err)

	futureVersion, err := encMode.Marshal(fileHeader{Magic: Magic, Version: Version + 1, Hand: "right"})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, glove.ErrRecordingIO},
		{"garbage", notCBOR, glove.ErrRecordingIO},
		{"magic", wrongMagic, glove.ErrRecordingIO},
		{"version", futureVersion, glove.ErrRecordingIO},
		{"truncated", full[:len(full)-10], glove.ErrRecordingIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidate(t *testing.T) {
	rec := sampleRecording(3)
	rec.Samples[2].Offset = 0
	assert.ErrorIs(t, rec.Validate(), glove.ErrConfiguration)

	rec = sampleRecording(3)
	rec.Samples[1].Angles[glove.Index] = rec.Samples[1].Angles[glove.Index][:2]
	assert.ErrorIs(t, rec.Validate(), glove.ErrConfiguration)

	empty := New("x", glove.Right, "", "", epoch, nil)
	assert.ErrorIs(t, empty.Validate(), glove.ErrRecordingIO)
	assert.Zero(t, empty.Duration())
}

func TestSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "take.hrec")

	require.NoError(t, Save(path, sampleRecording(10)))
	require.NoError(t, Save(path, sampleRecording(2)))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, got.Samples, 2)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files left behind")
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.hrec"))
	assert.ErrorIs(t, err, glove.ErrRecordingIO)
}

func TestDecodeJSON(t *testing.T) {
	withMeta := `{"metadata": {"exo_linkage_type": "rembrandt_linkage_v05", "hand": 0,
		"nr_fingers_tracking": 5, "nr_fingers_force": 5},
		"frames": [
			{"timestamp": 0.0, "angles_rad": [[0.1, 0.2], [0, 0], [0, 0], [0, 0], [0, 0]]},
			{"timestamp": 0.25, "angles_rad": [[0.3, 0.4], [0, 0], [0, 0], [0, 0], [0, 0]]}
		]}`
	rec, err := DecodeJSON(strings.NewReader(withMeta))
	require.NoError(t, err)
	assert.Equal(t, glove.Left, rec.Header.Hand)
	assert.Equal(t, "rembrandt_linkage_v05", rec.Header.Geometry)
	assert.Equal(t, [glove.NumFingers]int{2, 2, 2, 2, 2}, rec.Header.Joints)
	assert.Equal(t, 250*time.Millisecond, rec.Samples[1].Offset)
	assert.Equal(t, 0.4, rec.Samples[1].Angles[glove.Thumb][1])

	bare := `[{"timestamp": 0.5, "angles_rad": [[1], [2], [3], [4], [5]]}]`
	rec, err = DecodeJSON(strings.NewReader(bare))
	require.NoError(t, err)
	assert.Equal(t, glove.Right, rec.Header.Hand)
	assert.Len(t, rec.Samples, 1)

	_, err = DecodeJSON(strings.NewReader(`[{"timestamp": 0, "angles_rad": [[1], [2]]}]`))
	assert.ErrorIs(t, err, glove.ErrConfiguration)

	_, err = DecodeJSON(strings.NewReader(`{"frames": [`))
	assert.ErrorIs(t, err, glove.ErrRecordingIO)

	path := filepath.Join(t.TempDir(), "legacy.json")
	require.NoError(t, os.WriteFile(path, []byte(withMeta), 0o644))
	rec, err = Load(path)
	require.NoError(t, err)
	assert.Len(t, rec.Samples, 2)
}

func TestResolve(t *testing.T) {
	r := &Recorder{Dir: "/data/rec"}
	tests := []struct {
		name, want string
	}{
		{"take", "/data/rec/take.hrec"},
		{"take.json", "/data/rec/take.json"},
		{"sub/take.hrec", "/data/rec/sub/take.hrec"},
		{"/data/rec/abs.hrec", "/data/rec/abs.hrec"},
		{"sub/../take", "/data/rec/take.hrec"},
	}
	for _, tt := range tests {
		got, err := r.Resolve(tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.name)
	}

	for _, name := range []string{"/abs/take.hrec", "../escape", "sub/../../escape.hrec", "/data/rec/../other/x"} {
		_, err := r.Resolve(name)
		assert.ErrorIs(t, err, glove.ErrConfiguration, name)
	}

	def, err := (&Recorder{}).Resolve("x")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("recordings", "x.hrec"), def)

	_, err = r.Resolve("  ")
	assert.ErrorIs(t, err, glove.ErrRecordingIO)
}

type memIndex struct {
	mu    sync.Mutex
	infos []Info
}

func (m *memIndex) IndexRecording(_ context.Context, info Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, info)
	return nil
}

// recordAsync runs Record on its own goroutine and waits until both the
// timer and the capture observer are registered.
func recordAsync(t *testing.T, ctx context.Context, r *Recorder, clock *timeutil.MockClock, s *session.Session, d time.Duration, name string) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		_, err := r.Record(ctx, s, d, name)
		errc <- err
	}()
	require.Eventually(t, func() bool {
		return clock.Waiters() == 1 && s.Status().Observers == 1
	}, time.Second, time.Millisecond)
	return errc
}

func TestRecord(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	s, err := session.New("glove-1", glove.Right, session.WithClock(clock))
	require.NoError(t, err)
	defer s.Close()

	idx := &memIndex{}
	r := &Recorder{Dir: t.TempDir(), Clock: clock, Index: idx}
	errc := recordAsync(t, context.Background(), r, clock, s, time.Second, "take")

	var want []glove.Angles
	for i := 0; i < 5; i++ {
		a := awkward(i)
		want = append(want, a)
		_, err := s.Publish(glove.Frame{Angles: a, Timestamp: epoch.Add(time.Duration(i) * 10 * time.Millisecond)})
		require.NoError(t, err)
	}
	clock.Advance(time.Second)
	require.NoError(t, <-errc)
	assert.Zero(t, s.Status().Observers, "capture observer still registered")

	// Frames after the recording ended are not captured.
	_, err = s.Publish(glove.Frame{Angles: awkward(9)})
	require.NoError(t, err)

	rec, err := Load(filepath.Join(r.Dir, "take.hrec"))
	require.NoError(t, err)
	require.Len(t, rec.Samples, len(want))
	for i, smp := range rec.Samples {
		assert.Equal(t, time.Duration(i)*10*time.Millisecond, smp.Offset)
		assert.True(t, smp.Angles.Equal(want[i]), "sample %d", i)
	}
	assert.Equal(t, "glove-1", rec.Header.DeviceID)
	assert.Equal(t, glove.Right, rec.Header.Hand)

	require.Len(t, idx.infos, 1)
	assert.Equal(t, 5, idx.infos[0].Frames)
	assert.Equal(t, 40*time.Millisecond, idx.infos[0].Duration)
}

func TestRecord_NothingCaptured(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	s, err := session.New("glove-1", glove.Right)
	require.NoError(t, err)
	defer s.Close()

	r := &Recorder{Dir: t.TempDir(), Clock: clock}
	errc := recordAsync(t, context.Background(), r, clock, s, time.Second, "empty")
	clock.Advance(time.Second)
	assert.ErrorIs(t, <-errc, glove.ErrNoData)
	assert.Zero(t, s.Status().Observers)
	_, err = os.Stat(filepath.Join(r.Dir, "empty.hrec"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRecord_Cancelled(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	s, err := session.New("glove-1", glove.Right)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{Dir: t.TempDir(), Clock: clock}
	errc := recordAsync(t, ctx, r, clock, s, time.Hour, "cancelled")
	_, err = s.Publish(glove.Frame{Angles: source.DefaultPose()})
	require.NoError(t, err)
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Zero(t, s.Status().Observers)
	_, err = os.Stat(filepath.Join(r.Dir, "cancelled.hrec"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCaptureStopFromObserver(t *testing.T) {
	s, err := session.New("glove-1", glove.Right)
	require.NoError(t, err)
	defer s.Close()

	r := &Recorder{Dir: t.TempDir()}
	c, err := r.StartCapture(s, "short")
	require.NoError(t, err)
	var seen int
	s.Subscribe(func(string, glove.Frame) error {
		seen++
		if seen == 2 {
			c.Stop()
		}
		return nil
	})
	for i := 0; i < 5; i++ {
		_, err := s.Publish(glove.Frame{Angles: source.DefaultPose()})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())

	info, err := r.Finish(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Frames)
	assert.Equal(t, c.Path(), info.Path)
}

func TestPlay_ShapeMismatchAndMissingFile(t *testing.T) {
	dir := t.TempDir()
	r := &Recorder{Dir: dir}
	s, err := session.New("glove-1", glove.Right)
	require.NoError(t, err)
	defer s.Close()

	_, err = r.Play(context.Background(), s, "missing", false)
	assert.ErrorIs(t, err, glove.ErrRecordingIO)

	short := glove.Angles{{0}, {0}, {0}, {0}, {0}}
	rec := New("other", glove.Right, "tiny", "session", epoch, []glove.Sample{{Angles: short}})
	require.NoError(t, Save(filepath.Join(dir, "tiny.hrec"), rec))

	_, err = r.Play(context.Background(), s, "tiny", false)
	assert.ErrorIs(t, err, glove.ErrConfiguration)
	assert.Nil(t, s.Source(), "a rejected recording must not replace the source")
}

// TestRecordThenPlay checks that playing a recording reproduces the exact
// frames, and therefore the exact kinematic and percentage-bent results,
// that were captured.
func TestRecordThenPlay(t *testing.T) {
	dir := t.TempDir()
	rec := sampleRecording(6)
	for i := range rec.Samples {
		rec.Samples[i].Angles[glove.Thumb][0] = 0.01 * float64(i)
		rec.Samples[i].Angles[glove.Index][2] = 0.2
	}
	rec.Header.Hand = glove.Right
	require.NoError(t, Save(filepath.Join(dir, "take.hrec"), rec))

	s, err := session.New("glove-2", glove.Right)
	require.NoError(t, err)
	defer s.Close()

	var (
		mu     sync.Mutex
		frames []glove.Frame
		done   = make(chan struct{})
	)
	s.Subscribe(func(_ string, f glove.Frame) error {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, f)
		if len(frames) == len(rec.Samples) {
			close(done)
		}
		return nil
	})

	r := &Recorder{Dir: dir}
	pb, err := r.Play(context.Background(), s, "take", false)
	require.NoError(t, err)
	assert.Equal(t, len(rec.Samples), pb.Len())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("playback did not deliver every frame")
	}

	mu.Lock()
	defer mu.Unlock()
	cal := glove.DefaultCalibration()
	for i, f := range frames {
		want := rec.Samples[i].Angles
		require.True(t, f.Angles.Equal(want), "frame %d angles differ", i)

		wantHand, wantErr := kinematics.Solve(want, s.Geometry())
		gotHand, gotErr := kinematics.Solve(f.Angles, s.Geometry())
		assert.Equal(t, wantErr, gotErr)
		if wantErr == nil {
			assert.True(t, cmp.Equal(wantHand, gotHand, cmp.Comparer(sameFloat)), "frame %d kinematics differ", i)
		}

		wantPct, _ := percentbent.Normalize(want, cal, glove.Right)
		gotPct, _ := percentbent.Normalize(f.Angles, cal, glove.Right)
		assert.Equal(t, wantPct, gotPct, "frame %d percentages differ", i)
		if i > 0 {
			assert.Greater(t, f.Seq, frames[i-1].Seq)
		}
	}
}

// sameFloat treats identical NaN bit patterns as equal.
func sameFloat(a, b float64) bool {
	return math.Float64bits(a) == math.Float64bits(b)
}

// frameLog keeps the first n frames a session delivers.
type frameLog struct {
	mu     sync.Mutex
	n      int
	frames []glove.Frame
	done   chan struct{}
}

func watch(s *session.Session, n int) *frameLog {
	l := &frameLog{n: n, done: make(chan struct{})}
	s.Subscribe(func(_ string, f glove.Frame) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if len(l.frames) < l.n {
			l.frames = append(l.frames, f)
			if len(l.frames) == l.n {
				close(l.done)
			}
		}
		return nil
	})
	return l
}

func (l *frameLog) wait(t *testing.T) []glove.Frame {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("playback delivered fewer than %d frames", l.n)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]glove.Frame(nil), l.frames...)
}

func savedSamples(t *testing.T, dir, name string, n int, tweak func(i int, a glove.Angles)) []glove.Sample {
	t.Helper()
	samples := make([]glove.Sample, n)
	for i := range samples {
		a := source.DefaultPose()
		tweak(i, a)
		samples[i] = glove.Sample{Offset: time.Duration(i) * time.Millisecond, Angles: a}
	}
	rec := New("glove-3", glove.Right, "v05-right", "session", epoch, samples)
	require.NoError(t, Save(filepath.Join(dir, name+Ext), rec))
	return samples
}

func TestPlayBypassesSmoothing(t *testing.T) {
	dir := t.TempDir()
	// Alternating spikes that a median filter would flatten.
	samples := savedSamples(t, dir, "spiky", 7, func(i int, a glove.Angles) {
		a[glove.Middle][1] = float64(i%2) * 3
	})

	s, err := session.New("glove-3", glove.Right, session.WithSmoothing(5))
	require.NoError(t, err)
	defer s.Close()
	log := watch(s, len(samples))

	r := &Recorder{Dir: dir}
	_, err = r.Play(context.Background(), s, "spiky", false)
	require.NoError(t, err)

	for i, f := range log.wait(t) {
		assert.True(t, f.Angles.Equal(samples[i].Angles), "frame %d was altered", i)
	}
}

func TestPlayLoopKeepsSequenceIncreasing(t *testing.T) {
	dir := t.TempDir()
	samples := savedSamples(t, dir, "loop", 3, func(i int, a glove.Angles) {
		a[glove.Thumb][0] = 0.1 * float64(i)
	})

	s, err := session.New("glove-3", glove.Right)
	require.NoError(t, err)
	defer s.Close()
	const wraps = 3
	log := watch(s, wraps*len(samples)+1)

	r := &Recorder{Dir: dir}
	pb, err := r.Play(context.Background(), s, "loop", true)
	require.NoError(t, err)
	pb.SetRate(0)

	frames := log.wait(t)
	s.StopSource()
	for i, f := range frames {
		want := samples[i%len(samples)].Angles
		assert.True(t, f.Angles.Equal(want), "frame %d out of order", i)
		if i > 0 {
			assert.Equal(t, frames[i-1].Seq+1, f.Seq, "seq across frame %d", i)
		}
	}
}
