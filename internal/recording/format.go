// Package recording captures a session's frames to disk and plays them back
// through the same dispatch path as a live device.
//
// A .hrec file is a CBOR stream: one header item followed by one item per
// sample. Angles are stored as float64 without shortening or NaN/Inf
// canonicalization, so a round trip reproduces every bit.
package recording

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/banshee-data/handtrack/internal/glove"
)

const (
	// Magic opens every .hrec header.
	Magic = "HREC"
	// Version is the current file format version.
	Version = 1
	// Ext is the native file extension.
	Ext = ".hrec"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
		ShortestFloat: cbor.ShortestFloatNone,
		NaNConvert:    cbor.NaNConvertNone,
		InfConvert:    cbor.InfConvertNone,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create recording CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create recording CBOR decoder mode: %v", err))
	}
}

// Header describes a recording.
type Header struct {
	ID       string
	DeviceID string
	Hand     glove.Hand
	Geometry string
	Joints   [glove.NumFingers]int
	Created  time.Time
	// Origin names where the frames came from: a source kind, "pcap" or
	// "json".
	Origin string
}

// Recording is a header plus time-ordered samples.
type Recording struct {
	Header  Header
	Samples []glove.Sample
}

// New builds a recording of samples with a fresh id. Joints are taken from
// the first sample.
func New(deviceID string, hand glove.Hand, geometry, origin string, created time.Time, samples []glove.Sample) *Recording {
	rec := &Recording{
		Header: Header{
			ID:       uuid.NewString(),
			DeviceID: deviceID,
			Hand:     hand,
			Geometry: geometry,
			Created:  created,
			Origin:   origin,
		},
		Samples: samples,
	}
	if len(samples) > 0 {
		rec.Header.Joints = samples[0].Angles.Shape()
	}
	return rec
}

// Duration returns the offset of the last sample.
func (r *Recording) Duration() time.Duration {
	if len(r.Samples) == 0 {
		return 0
	}
	return r.Samples[len(r.Samples)-1].Offset
}

// Validate checks that the recording is non-empty, every sample matches
// the header joints and offsets never decrease.
func (r *Recording) Validate() error {
	if len(r.Samples) == 0 {
		return fmt.Errorf("%w: recording has no frames", glove.ErrRecordingIO)
	}
	for i, s := range r.Samples {
		if got := s.Angles.Shape(); got != r.Header.Joints {
			return fmt.Errorf("%w: sample %d has joints %v, header says %v", glove.ErrConfiguration, i, got, r.Header.Joints)
		}
		if i > 0 && s.Offset < r.Samples[i-1].Offset {
			return fmt.Errorf("%w: sample %d offset %v precedes %v", glove.ErrConfiguration, i, s.Offset, r.Samples[i-1].Offset)
		}
	}
	return nil
}

type fileHeader struct {
	Magic    string                `cbor:"1,keyasint"`
	Version  int                   `cbor:"2,keyasint"`
	ID       string                `cbor:"3,keyasint"`
	DeviceID string                `cbor:"4,keyasint,omitempty"`
	Hand     string                `cbor:"5,keyasint"`
	Geometry string                `cbor:"6,keyasint,omitempty"`
	Joints   [glove.NumFingers]int `cbor:"7,keyasint"`
	Created  time.Time             `cbor:"8,keyasint"`
	Frames   int                   `cbor:"9,keyasint"`
	Origin   string                `cbor:"10,keyasint,omitempty"`
}

type fileSample struct {
	Offset int64       `cbor:"1,keyasint"`
	Angles [][]float64 `cbor:"2,keyasint"`
}

// Encode writes rec to w.
func Encode(w io.Writer, rec *Recording) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	enc := encMode.NewEncoder(w)
	h := fileHeader{
		Magic:    Magic,
		Version:  Version,
		ID:       rec.Header.ID,
		DeviceID: rec.Header.DeviceID,
		Hand:     rec.Header.Hand.String(),
		Geometry: rec.Header.Geometry,
		Joints:   rec.Header.Joints,
		Created:  rec.Header.Created,
		Frames:   len(rec.Samples),
		Origin:   rec.Header.Origin,
	}
	if err := enc.Encode(h); err != nil {
		return fmt.Errorf("%w: encode header: %v", glove.ErrRecordingIO, err)
	}
	for i, s := range rec.Samples {
		if err := enc.Encode(fileSample{Offset: int64(s.Offset), Angles: s.Angles[:]}); err != nil {
			return fmt.Errorf("%w: encode sample %d: %v", glove.ErrRecordingIO, i, err)
		}
	}
	return nil
}

// Decode reads a recording written by Encode.
func Decode(r io.Reader) (*Recording, error) {
	dec := decMode.NewDecoder(r)

	var h fileHeader
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("%w: decode header: %v", glove.ErrRecordingIO, err)
	}
	if h.Magic != Magic {
		return nil, fmt.Errorf("%w: not a recording (magic %q)", glove.ErrRecordingIO, h.Magic)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: unsupported recording version %d", glove.ErrRecordingIO, h.Version)
	}
	hand, err := glove.ParseHand(h.Hand)
	if err != nil {
		return nil, err
	}

	rec := &Recording{
		Header: Header{
			ID:       h.ID,
			DeviceID: h.DeviceID,
			Hand:     hand,
			Geometry: h.Geometry,
			Joints:   h.Joints,
			Created:  h.Created,
			Origin:   h.Origin,
		},
		Samples: make([]glove.Sample, 0, min(max(h.Frames, 0), 1<<16)),
	}
	for {
		var fs fileSample
		err := dec.Decode(&fs)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: decode sample %d: %v", glove.ErrRecordingIO, len(rec.Samples), err)
		}
		if len(fs.Angles) != glove.NumFingers {
			return nil, fmt.Errorf("%w: sample %d has %d fingers", glove.ErrConfiguration, len(rec.Samples), len(fs.Angles))
		}
		var a glove.Angles
		copy(a[:], fs.Angles)
		rec.Samples = append(rec.Samples, glove.Sample{Offset: time.Duration(fs.Offset), Angles: a})
	}
	if len(rec.Samples) != h.Frames {
		return nil, fmt.Errorf("%w: truncated recording: %d of %d frames", glove.ErrRecordingIO, len(rec.Samples), h.Frames)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Save writes rec to path, replacing any existing file. The data goes to a
// temporary file in the same directory first so readers never see a
// partial recording.
func Save(path string, rec *Recording) (err error) {
	if err := rec.Validate(); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", glove.ErrRecordingIO, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("%w: %v", glove.ErrRecordingIO, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if err = Encode(w, rec); err != nil {
		return err
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", glove.ErrRecordingIO, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", glove.ErrRecordingIO, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %v", glove.ErrRecordingIO, err)
	}
	return nil
}

// Load reads a recording from path. Files ending in .json are read in the
// legacy SDK layout; anything else must be a .hrec stream.
func Load(path string) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", glove.ErrRecordingIO, err)
	}
	defer f.Close()

	if filepath.Ext(path) == ".json" {
		return DecodeJSON(bufio.NewReader(f))
	}
	return Decode(bufio.NewReader(f))
}
