package stream

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/kinematics"
	"github.com/banshee-data/handtrack/internal/percentbent"
	"github.com/banshee-data/handtrack/internal/session"
)

// Views a client may ask for in the "views" request field.
const (
	ViewAngles  = "angles"
	ViewDegrees = "degrees"
	ViewPercent = "percent"
	ViewTips    = "tips"
)

var knownViews = map[string]bool{ViewAngles: true, ViewDegrees: true, ViewPercent: true, ViewTips: true}

// NewRequest builds a StreamFrames request. No views means angles only.
func NewRequest(deviceID string, views ...string) (*structpb.Struct, error) {
	list := make([]any, len(views))
	for i, v := range views {
		list[i] = v
	}
	return structpb.NewStruct(map[string]any{"device_id": deviceID, "views": list})
}

func parseRequest(req *structpb.Struct) (string, []string, error) {
	fields := req.GetFields()
	id := fields["device_id"].GetStringValue()
	if id == "" {
		return "", nil, errors.New("device_id is required")
	}
	var views []string
	for _, v := range fields["views"].GetListValue().GetValues() {
		name := v.GetStringValue()
		if !knownViews[name] {
			return "", nil, fmt.Errorf("unknown view %q", name)
		}
		views = append(views, name)
	}
	if len(views) == 0 {
		views = []string{ViewAngles}
	}
	return id, views, nil
}

func anglesList(a glove.Angles) []any {
	out := make([]any, len(a))
	for i, finger := range a {
		joints := make([]any, len(finger))
		for j, v := range finger {
			joints[j] = v
		}
		out[i] = joints
	}
	return out
}

// encodeFrame renders f with the requested views. Derived views are
// computed from f itself, not the session's latest frame, so every field of
// one message describes the same instant.
func encodeFrame(sess *session.Session, f glove.Frame, views []string) (*structpb.Struct, error) {
	msg := map[string]any{
		"device_id": sess.ID(),
		"seq":       float64(f.Seq),
		"timestamp": f.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	for _, view := range views {
		switch view {
		case ViewAngles:
			msg["angles"] = anglesList(f.Angles)
		case ViewDegrees:
			msg["degrees"] = anglesList(glove.Degrees(f.Angles))
		case ViewPercent:
			res, err := percentbent.Normalize(f.Angles, sess.Calibration(), sess.Hand())
			var degenerate *percentbent.DegenerateError
			if err != nil && !errors.As(err, &degenerate) {
				return nil, err
			}
			flex := make([]any, glove.NumFingers)
			abd := make([]any, glove.NumFingers)
			for i, p := range res.Fingers {
				flex[i] = float64(p.Flexion)
				abd[i] = float64(p.Abduction)
			}
			raw, err := percentbent.RawAngles(f.Angles, sess.Hand())
			if err != nil {
				return nil, err
			}
			rawFlex := make([]any, glove.NumFingers)
			rawAbd := make([]any, glove.NumFingers)
			for i := range glove.NumFingers {
				rawFlex[i] = raw.Flexion[i]
				rawAbd[i] = raw.Abduction[i]
			}
			pct := map[string]any{
				"flexion":       flex,
				"abduction":     abd,
				"raw_flexion":   rawFlex,
				"raw_abduction": rawAbd,
			}
			if degenerate != nil {
				pct["warning"] = degenerate.Error()
			}
			msg["percent"] = pct
		case ViewTips:
			h, err := kinematics.Solve(f.Angles, sess.Geometry())
			if err != nil {
				return nil, err
			}
			tips := make([]any, glove.NumFingers)
			for i, t := range h.Tips() {
				tips[i] = []any{t.Pos.X, t.Pos.Y, t.Pos.Z}
			}
			dists := kinematics.TipDistances(h)
			thumbTo := make([]any, len(dists))
			for i, d := range dists {
				thumbTo[i] = d
			}
			msg["tips"] = tips
			msg["thumb_to"] = thumbTo
		}
	}
	return structpb.NewStruct(msg)
}
