package api

import (
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/httputil"
	"github.com/banshee-data/handtrack/internal/kinematics"
	"github.com/banshee-data/handtrack/internal/percentbent"
	"github.com/banshee-data/handtrack/internal/session"
	"github.com/banshee-data/handtrack/internal/source"
)

type openRequest struct {
	DeviceID string     `json:"device_id"`
	Hand     glove.Hand `json:"hand"`
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ids := s.sessions.IDs()
		out := make([]session.Status, 0, len(ids))
		for _, id := range ids {
			if sess, ok := s.sessions.Get(id); ok {
				out = append(out, sess.Status())
			}
		}
		httputil.WriteJSONOK(w, out)
	case http.MethodPost:
		var req openRequest
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.WriteError(w, err)
			return
		}
		sess, err := s.sessions.Open(r.Context(), req.DeviceID, req.Hand)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, sess.Status())
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sess, ok := s.session(w, r)
		if !ok {
			return
		}
		httputil.WriteJSONOK(w, sess.Status())
	case http.MethodDelete:
		id := r.PathValue("id")
		s.abandonCapture(id)
		if !s.sessions.Close(id) {
			httputil.NotFound(w, "unknown session "+id)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w)
	}
}

type frameView struct {
	DeviceID  string       `json:"device_id"`
	Seq       uint64       `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
	Angles    glove.Angles `json:"angles"`
	Degrees   glove.Angles `json:"degrees"`
}

func (s *Server) showRaw(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	f, err := sess.Latest()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, frameView{
		DeviceID:  sess.ID(),
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Angles:    f.Angles,
		Degrees:   glove.Degrees(f.Angles),
	})
}

// poseView flattens a pose for JSON: position in the hub frame, the
// orientation as w, x, y, z and the same orientation as roll, pitch, yaw in
// degrees.
type poseView struct {
	Position [3]float64 `json:"position"`
	Rotation [4]float64 `json:"rotation"`
	Euler    [3]float64 `json:"euler_deg"`
}

func viewPose(p kinematics.Pose) poseView {
	e := kinematics.QuatToEuler(p.Rot)
	return poseView{
		Position: [3]float64{p.Pos.X, p.Pos.Y, p.Pos.Z},
		Rotation: [4]float64{p.Rot.Real, p.Rot.Imag, p.Rot.Jmag, p.Rot.Kmag},
		Euler:    [3]float64{e.X * 180 / math.Pi, e.Y * 180 / math.Pi, e.Z * 180 / math.Pi},
	}
}

type fingerView struct {
	Finger string     `json:"finger"`
	Joints []poseView `json:"joints"`
	Tip    poseView   `json:"tip"`
}

func viewHand(h kinematics.Hand) []fingerView {
	out := make([]fingerView, glove.NumFingers)
	for i, f := range h.Fingers {
		n := min(len(f.Positions), len(f.Rotations))
		joints := make([]poseView, n)
		for j := range n {
			joints[j] = viewPose(kinematics.Pose{Pos: f.Positions[j], Rot: f.Rotations[j]})
		}
		out[i] = fingerView{Finger: glove.FingerName(i), Joints: joints, Tip: viewPose(f.Tip)}
	}
	return out
}

func (s *Server) showKinematics(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	h, err := sess.Kinematics()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"device_id": sess.ID(),
		"fingers":   viewHand(h),
	})
}

func (s *Server) showTips(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	tips, err := sess.Fingertips()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	dists, err := sess.TipDistances()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	views := make(map[string]poseView, glove.NumFingers)
	for i, t := range tips {
		views[glove.FingerName(i)] = viewPose(t)
	}
	thumbTo := make(map[string]float64, len(dists))
	for i, d := range dists {
		thumbTo[glove.FingerName(i+1)] = d
	}
	httputil.WriteJSONOK(w, map[string]any{
		"device_id": sess.ID(),
		"tips":      views,
		"thumb_to":  thumbTo,
	})
}

type percentView struct {
	DeviceID string                               `json:"device_id"`
	Fingers  [glove.NumFingers]percentbent.Finger `json:"fingers"`
	Raw      percentbent.Raw                      `json:"raw"`
	Warning  string                               `json:"warning,omitempty"`
}

// showPercent reports degenerate calibration ranges as a warning alongside
// the values, which read 0 for the affected fingers. The raw angles the
// values derive from come from the same frame.
func (s *Server) showPercent(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	f, err := sess.Latest()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	raw, err := percentbent.RawAngles(f.Angles, sess.Hand())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	res, err := percentbent.Normalize(f.Angles, sess.Calibration(), sess.Hand())
	view := percentView{DeviceID: sess.ID(), Fingers: res.Fingers, Raw: raw}
	var degenerate *percentbent.DegenerateError
	switch {
	case errors.As(err, &degenerate):
		view.Warning = degenerate.Error()
	case err != nil:
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSONOK(w, view)
}

func (s *Server) calibrationHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, sess.Calibration())
	case http.MethodPut:
		var c glove.Calibration
		if err := httputil.DecodeJSON(w, r, &c); err != nil {
			httputil.WriteError(w, err)
			return
		}
		sess.SetCalibration(&c)
		if s.store != nil {
			if err := s.store.SaveCalibration(r.Context(), sess.ID(), &c); err != nil {
				httputil.WriteError(w, err)
				return
			}
		}
		httputil.WriteJSONOK(w, &c)
	default:
		httputil.MethodNotAllowed(w)
	}
}

type simulateRequest struct {
	Mode string  `json:"mode"`
	Rate float64 `json:"rate,omitempty"`
}

// simulateHandler switches the mode of a running generator, or replaces
// the session's source with a new one when none is running or a rate is
// given.
func (s *Server) simulateHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req simulateRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	mode, err := source.ParseMode(req.Mode)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	gen, running := sess.Source().(*source.Generator)
	if !running || req.Rate != 0 {
		gen, err = source.NewGenerator(sess.Shape(), source.GeneratorConfig{Rate: req.Rate})
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	if err := gen.SetMode(mode); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !running || req.Rate != 0 {
		if err := sess.SetSource(gen); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	httputil.WriteJSONOK(w, sess.Status())
}

func (s *Server) stopHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.StopSource()
	httputil.WriteJSONOK(w, sess.Status())
}
