package recording

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/banshee-data/handtrack/internal/glove"
)

// legacyFile is the JSON layout written by the original glove SDK. Hand is
// 0 for left and 1 for right. Older files are a bare frames array.
type legacyFile struct {
	Metadata *legacyMetadata `json:"metadata"`
	Frames   []legacyFrame   `json:"frames"`
}

type legacyMetadata struct {
	LinkageType     string `json:"exo_linkage_type"`
	Hand            *int   `json:"hand"`
	FingersTracking int    `json:"nr_fingers_tracking"`
	FingersForce    int    `json:"nr_fingers_force"`
}

type legacyFrame struct {
	Timestamp float64     `json:"timestamp"`
	AnglesRad [][]float64 `json:"angles_rad"`
}

// DecodeJSON reads a legacy JSON recording. Timestamps are seconds since
// the start of the recording. Without metadata the hand defaults to right.
func DecodeJSON(r io.Reader) (*Recording, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", glove.ErrRecordingIO, err)
	}

	var lf legacyFile
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &lf.Frames)
	} else {
		err = json.Unmarshal(trimmed, &lf)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse legacy recording: %v", glove.ErrRecordingIO, err)
	}

	hand, geometry := glove.Right, ""
	if md := lf.Metadata; md != nil {
		geometry = md.LinkageType
		if md.Hand != nil && *md.Hand == 0 {
			hand = glove.Left
		}
	}

	samples := make([]glove.Sample, 0, len(lf.Frames))
	for i, fr := range lf.Frames {
		if len(fr.AnglesRad) != glove.NumFingers {
			return nil, fmt.Errorf("%w: frame %d has %d fingers", glove.ErrConfiguration, i, len(fr.AnglesRad))
		}
		if math.IsNaN(fr.Timestamp) || fr.Timestamp < 0 {
			return nil, fmt.Errorf("%w: frame %d has timestamp %v", glove.ErrConfiguration, i, fr.Timestamp)
		}
		var a glove.Angles
		copy(a[:], fr.AnglesRad)
		samples = append(samples, glove.Sample{
			Offset: time.Duration(fr.Timestamp * float64(time.Second)),
			Angles: a,
		})
	}

	rec := New("", hand, geometry, "json", time.Time{}, samples)
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}
