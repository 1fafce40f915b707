package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/kinematics"
	"github.com/banshee-data/handtrack/internal/monitoring"
	"github.com/banshee-data/handtrack/internal/recording"
	"github.com/banshee-data/handtrack/internal/session"
	"github.com/banshee-data/handtrack/internal/source"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(func(string, ...interface{}) {})
	os.Exit(m.Run())
}

type fakeStore struct {
	mu     sync.Mutex
	saved  map[string]*glove.Calibration
	infos  []recording.Info
	device string
}

func (f *fakeStore) SaveCalibration(_ context.Context, deviceID string, c *glove.Calibration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = make(map[string]*glove.Calibration)
	}
	f.saved[deviceID] = c
	return nil
}

func (f *fakeStore) ListRecordings(_ context.Context, deviceID string) ([]recording.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.device = deviceID
	return f.infos, nil
}

type fixture struct {
	mgr      *session.Manager
	sess     *session.Session
	recorder *recording.Recorder
	store    *fakeStore
	mux      *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mgr := session.NewManager()
	t.Cleanup(mgr.CloseAll)
	sess, err := mgr.Open(context.Background(), "glove-1", glove.Right)
	require.NoError(t, err)

	f := &fixture{
		mgr:      mgr,
		sess:     sess,
		recorder: &recording.Recorder{Dir: t.TempDir()},
		store:    &fakeStore{},
	}
	f.mux = NewServer(mgr, f.recorder, f.store).ServeMux()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) publish(t *testing.T, n int) {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range n {
		_, err := f.sess.Publish(glove.Frame{Angles: source.DefaultPose(), Timestamp: base.Add(time.Duration(i) * time.Millisecond)})
		require.NoError(t, err)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSessionsLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]session.Status](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "glove-1", list[0].DeviceID)

	rec = f.do(t, http.MethodPost, "/api/sessions", `{"device_id":"glove-2","hand":"left"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	st := decode[session.Status](t, rec)
	assert.Equal(t, "left", st.Hand)

	rec = f.do(t, http.MethodPost, "/api/sessions", `{"device_id":"glove-2","hand":"left"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "duplicate id")

	rec = f.do(t, http.MethodPost, "/api/sessions", `{"device_id":"glove-3","hand":"middle"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "bad hand")

	rec = f.do(t, http.MethodGet, "/api/sessions/glove-2", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/sessions/glove-2", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/sessions/glove-2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/sessions", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRawBeforeAndAfterFirstFrame(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/sessions/glove-1/raw", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/sessions/nope/raw", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.publish(t, 2)
	rec = f.do(t, http.MethodGet, "/api/sessions/glove-1/raw", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[frameView](t, rec)
	assert.Equal(t, uint64(2), got.Seq)
	assert.True(t, got.Angles.Equal(source.DefaultPose()))
	assert.True(t, got.Degrees.Equal(glove.Degrees(source.DefaultPose())))

	rec = f.do(t, http.MethodPost, "/api/sessions/glove-1/raw", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestKinematicsAndTips(t *testing.T) {
	f := newFixture(t)
	f.publish(t, 1)

	rec := f.do(t, http.MethodGet, "/api/sessions/glove-1/kinematics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var kin struct {
		Fingers []fingerView `json:"fingers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &kin))
	require.Len(t, kin.Fingers, glove.NumFingers)

	tips, err := f.sess.Fingertips()
	require.NoError(t, err)
	assert.Equal(t, "thumb", kin.Fingers[0].Finger)
	assert.Equal(t, viewPose(tips[0]), kin.Fingers[0].Tip)
	e := kinematics.QuatToEuler(tips[1].Rot)
	assert.InDelta(t, e.Y*180/math.Pi, kin.Fingers[1].Tip.Euler[1], 1e-9)
	assert.NotEmpty(t, kin.Fingers[1].Joints)

	rec = f.do(t, http.MethodGet, "/api/sessions/glove-1/tips", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tv struct {
		ThumbTo map[string]float64 `json:"thumb_to"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tv))
	dists, err := f.sess.TipDistances()
	require.NoError(t, err)
	assert.InDelta(t, dists[0], tv.ThumbTo["index"], 1e-12)
	assert.Len(t, tv.ThumbTo, glove.NumFingers-1)
}

func TestPercentAndCalibration(t *testing.T) {
	f := newFixture(t)
	f.publish(t, 1)

	rec := f.do(t, http.MethodGet, "/api/sessions/glove-1/percent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	pv := decode[percentView](t, rec)
	assert.Empty(t, pv.Warning)
	want, err := f.sess.PercentBent()
	require.NoError(t, err)
	assert.Equal(t, want.Fingers, pv.Fingers)
	raw, err := f.sess.RawPercentBentAngles()
	require.NoError(t, err)
	assert.Equal(t, raw, pv.Raw)

	degenerate, err := glove.DefaultCalibration().WithFlexion(2, 1, 1)
	require.NoError(t, err)
	body, err := json.Marshal(degenerate)
	require.NoError(t, err)
	rec = f.do(t, http.MethodPut, "/api/sessions/glove-1/calibration", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, degenerate, f.sess.Calibration())
	assert.Equal(t, degenerate, f.store.saved["glove-1"])

	rec = f.do(t, http.MethodGet, "/api/sessions/glove-1/percent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	pv = decode[percentView](t, rec)
	assert.Contains(t, pv.Warning, "middle flexion")
	assert.Equal(t, 0, pv.Fingers[2].Flexion)

	rec = f.do(t, http.MethodGet, "/api/sessions/glove-1/calibration", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, *degenerate, decode[glove.Calibration](t, rec))

	rec = f.do(t, http.MethodPut, "/api/sessions/glove-1/calibration", `{"fingers": 3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSimulateAndStop(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sessions/glove-1/simulate", `{"mode":"jazz"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/sessions/glove-1/simulate", `{"mode":"sine","rate":200}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	gen, ok := f.sess.Source().(*source.Generator)
	require.True(t, ok)
	assert.Equal(t, source.ModeSine, gen.Mode())

	rec = f.do(t, http.MethodPost, "/api/sessions/glove-1/simulate", `{"mode":"steady"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Same(t, gen, f.sess.Source(), "mode switch keeps the running generator")
	assert.Equal(t, source.ModeSteady, gen.Mode())

	require.Eventually(t, func() bool {
		_, err := f.sess.Latest()
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	rec = f.do(t, http.MethodPost, "/api/sessions/glove-1/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, f.sess.Source())
}

func TestCaptureStartStopThenPlayAndChart(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sessions/glove-1/record/start", `{"name":"take1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/api/sessions/glove-1/record/start", `{"name":"take2"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.publish(t, 3)

	rec = f.do(t, http.MethodPost, "/api/sessions/glove-1/record/stop", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	info := decode[recording.Info](t, rec)
	assert.Equal(t, 3, info.Frames)
	assert.Equal(t, filepath.Join(f.recorder.Dir, "take1"+recording.Ext), mustRel(t, info.Path, f.recorder.Dir))
	assert.FileExists(t, info.Path)

	rec = f.do(t, http.MethodPost, "/api/sessions/glove-1/record/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/sessions/glove-1/play", `{"name":"take1","loop":false,"rate":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var play struct {
		Frames int     `json:"frames"`
		Rate   float64 `json:"rate"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &play))
	assert.Equal(t, 3, play.Frames)
	assert.Equal(t, 2.0, play.Rate)
	_, isPlayback := f.sess.Source().(*source.Playback)
	assert.True(t, isPlayback)

	rec = f.do(t, http.MethodGet, "/api/recordings/chart?name=take1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Finger flexion")
	assert.Contains(t, rec.Body.String(), "pinky")
}

// mustRel rebuilds path relative to a possibly symlinked dir so the
// comparison holds on systems where the temp dir is a symlink.
func mustRel(t *testing.T, path, dir string) string {
	t.Helper()
	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	rel, err := filepath.Rel(abs, path)
	require.NoError(t, err)
	return filepath.Join(dir, rel)
}

func TestRecordingPathsConfined(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{"../escape", "/etc/passwd.hrec"} {
		body, err := json.Marshal(map[string]string{"name": name})
		require.NoError(t, err)
		rec := f.do(t, http.MethodPost, "/api/sessions/glove-1/record/start", string(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)

		rec = f.do(t, http.MethodPost, "/api/sessions/glove-1/play", string(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}

	rec := f.do(t, http.MethodGet, "/api/recordings/chart?name=missing", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRecordBlocking(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sessions/glove-1/record", `{"duration":"1h"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/sessions/glove-1/record", `{"duration":"5ms"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "nothing captured")

	gen, err := source.NewGenerator(f.sess.Shape(), source.GeneratorConfig{Rate: 500})
	require.NoError(t, err)
	require.NoError(t, f.sess.SetSource(gen))

	rec = f.do(t, http.MethodPost, "/api/sessions/glove-1/record", `{"duration":"50ms"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	info := decode[recording.Info](t, rec)
	assert.Positive(t, info.Frames)
	assert.True(t, strings.HasPrefix(filepath.Base(info.Path), "glove-1-"))
}

func TestListRecordings(t *testing.T) {
	f := newFixture(t)
	f.store.infos = []recording.Info{{ID: "a", Path: "/r/a.hrec", DeviceID: "glove-1", Frames: 3}}

	rec := f.do(t, http.MethodGet, "/api/recordings?device=glove-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.store.infos, decode[[]recording.Info](t, rec))
	assert.Equal(t, "glove-1", f.store.device)

	f.store.infos = nil
	rec = f.do(t, http.MethodGet, "/api/recordings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	noStore := NewServer(f.mgr, f.recorder, nil).ServeMux()
	w := httptest.NewRecorder()
	noStore.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/recordings", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRenderChartDecimates(t *testing.T) {
	samples := make([]glove.Sample, 5000)
	for i := range samples {
		samples[i] = glove.Sample{Offset: time.Duration(i) * time.Millisecond, Angles: source.DefaultPose()}
	}
	rec := recording.New("glove-1", glove.Right, "v05", "session", time.Now(), samples)

	var buf bytes.Buffer
	require.NoError(t, RenderChart(&buf, rec))
	assert.Contains(t, buf.String(), "4.998")
	assert.NotContains(t, buf.String(), "\"0.001\"")
}

func TestLoggingMiddleware(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, format)
	})
	defer monitoring.SetLogger(func(string, ...interface{}) {})

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Len(t, lines, 1)
	assert.Contains(t, statusCodeColor(418), "418")
}

func TestVersion(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]string](t, rec)
	assert.Equal(t, "dev", got["version"])
	assert.Contains(t, got, "git_sha")

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPost, "/api/version", "").Code)
}
