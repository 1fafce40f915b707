package api

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/httputil"
	"github.com/banshee-data/handtrack/internal/percentbent"
	"github.com/banshee-data/handtrack/internal/recording"
	"github.com/banshee-data/handtrack/internal/security"
)

// MaxRecordDuration caps a blocking record request.
const MaxRecordDuration = 10 * time.Minute

// recordingPath resolves a client supplied name inside the recordings
// directory. An empty name is derived from the device id.
func (s *Server) recordingPath(deviceID, name string) (string, error) {
	if name == "" {
		name = security.SanitizeFilename(deviceID) + "-" + time.Now().UTC().Format("20060102T150405")
	}
	path, err := s.recorder.Resolve(name)
	if err != nil {
		return "", err
	}
	// Absolute so the recorder does not resolve it a second time.
	if path, err = filepath.Abs(path); err != nil {
		return "", fmt.Errorf("%w: %v", glove.ErrRecordingIO, err)
	}
	return path, nil
}

type recordRequest struct {
	Name     string `json:"name,omitempty"`
	Duration string `json:"duration"`
}

// recordHandler captures for the requested duration and returns once the
// file is written. Disconnecting the client abandons the capture.
func (s *Server) recordHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req recordRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 || d > MaxRecordDuration {
		httputil.BadRequest(w, fmt.Sprintf("duration must be between 0 and %s", MaxRecordDuration))
		return
	}
	path, err := s.recordingPath(sess.ID(), req.Name)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	info, err := s.recorder.Record(r.Context(), sess, d, path)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, info)
}

type startRequest struct {
	Name string `json:"name,omitempty"`
}

func (s *Server) recordStartHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req startRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	path, err := s.recordingPath(sess.ID(), req.Name)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.captures[sess.ID()]; busy {
		httputil.WriteJSONError(w, http.StatusConflict, "a capture is already running for "+sess.ID())
		return
	}
	c, err := s.recorder.StartCapture(sess, path)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.captures[sess.ID()] = c
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"path": c.Path()})
}

func (s *Server) recordStopHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	id := r.PathValue("id")
	s.mu.Lock()
	c, ok := s.captures[id]
	delete(s.captures, id)
	s.mu.Unlock()
	if !ok {
		httputil.NotFound(w, "no capture running for "+id)
		return
	}
	info, err := s.recorder.Finish(r.Context(), c)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, info)
}

// abandonCapture drops a running capture without writing it.
func (s *Server) abandonCapture(id string) {
	s.mu.Lock()
	c, ok := s.captures[id]
	delete(s.captures, id)
	s.mu.Unlock()
	if ok {
		c.Stop()
	}
}

type playRequest struct {
	Name string   `json:"name"`
	Loop bool     `json:"loop"`
	Rate *float64 `json:"rate,omitempty"`
}

func (s *Server) playHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req playRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}
	path, err := s.recordingPath(sess.ID(), req.Name)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	pb, err := s.recorder.Play(r.Context(), sess, path, req.Loop)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Rate != nil {
		pb.SetRate(*req.Rate)
	}
	httputil.WriteJSONOK(w, map[string]any{
		"path":   path,
		"frames": pb.Len(),
		"loop":   req.Loop,
		"rate":   pb.Rate(),
		"status": sess.Status(),
	})
}

func (s *Server) listRecordings(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "recordings catalogue not configured")
		return
	}
	infos, err := s.store.ListRecordings(r.Context(), r.URL.Query().Get("device"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if infos == nil {
		infos = []recording.Info{}
	}
	httputil.WriteJSONOK(w, infos)
}

// recordingChart renders the flexion of every finger over the course of a
// recording as an HTML line chart.
func (s *Server) recordingChart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}
	path, err := s.recordingPath("", name)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rec, err := recording.Load(path)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := RenderChart(&buf, rec); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// chartMaxPoints bounds the points per series; longer recordings are
// decimated by a fixed stride.
const chartMaxPoints = 2000

// RenderChart writes an HTML line chart of per-finger flexion, in degrees,
// against time in seconds.
func RenderChart(w io.Writer, rec *recording.Recording) error {
	stride := max(1, len(rec.Samples)/chartMaxPoints)

	x := make([]string, 0, len(rec.Samples)/stride+1)
	series := make([][]opts.LineData, glove.NumFingers)
	for i := 0; i < len(rec.Samples); i += stride {
		smp := rec.Samples[i]
		x = append(x, fmt.Sprintf("%.3f", smp.Offset.Seconds()))
		for f := range glove.NumFingers {
			deg := percentbent.FlexionSum(smp.Angles[f]) * 180 / math.Pi
			series[f] = append(series[f], opts.LineData{Value: deg})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Recording " + rec.Header.ID, Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Finger flexion",
			Subtitle: fmt.Sprintf("device=%s hand=%s frames=%d duration=%s", rec.Header.DeviceID, rec.Header.Hand, len(rec.Samples), rec.Duration()),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "flexion (deg)", NameLocation: "middle", NameGap: 40}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
	)
	line.SetXAxis(x)
	for f := range glove.NumFingers {
		line.AddSeries(glove.FingerName(f), series[f], charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}
	return line.Render(w)
}
