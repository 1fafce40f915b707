package serialmux

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/handtrack/internal/glove"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want Event
	}{
		{"# firmware 2.1 rembrandt_linkage_v05", Event{Kind: EventInfo, Text: "firmware 2.1 rembrandt_linkage_v05"}},
		{"C glove-7 left", Event{Kind: EventConnect, DeviceID: "glove-7", Hand: glove.Left}},
		{"D glove-7", Event{Kind: EventDisconnect, DeviceID: "glove-7"}},
		{"F g right 0.1,0.2;0.3;;-1e-3,4;5", Event{
			Kind: EventFrame, DeviceID: "g", Hand: glove.Right,
			Angles: glove.Angles{{0.1, 0.2}, {0.3}, {}, {-1e-3, 4}, {5}},
		}},
		{"X whatever", Event{Kind: EventUnknown, Text: "X whatever"}},
	}
	for _, tt := range tests {
		got, err := ParseLine(tt.line)
		if err != nil {
			t.Errorf("ParseLine(%q) error = %v", tt.line, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseLine(%q) mismatch (-want +got):\n%s", tt.line, diff)
		}
	}
}

func TestParseLineErrors(t *testing.T) {
	for _, line := range []string{
		"",
		"F g right",
		"F g sideways 1;2;3;4;5",
		"F g right 1;2;3;4",
		"F g right 1;2;x;4;5",
		"C g",
		"C g up",
		"D",
	} {
		if _, err := ParseLine(line); !errors.Is(err, glove.ErrConfiguration) {
			t.Errorf("ParseLine(%q) error = %v, want ErrConfiguration", line, err)
		}
	}
}

func TestFormatFrameRoundTrip(t *testing.T) {
	a := glove.Angles{
		{0, math.Pi / 7, -0.25},
		{1e-300, 2},
		{3},
		{-math.MaxFloat64},
		{0.1 + 0.2},
	}
	line := FormatFrame("glove-1", glove.Left, a)
	ev, err := ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine(%q) error = %v", line, err)
	}
	if ev.Kind != EventFrame || ev.DeviceID != "glove-1" || ev.Hand != glove.Left {
		t.Errorf("ParseLine(%q) = %+v", line, ev)
	}
	if !ev.Angles.Equal(a) {
		t.Errorf("angles = %v, want %v", ev.Angles, a)
	}
}

func TestEventKindString(t *testing.T) {
	if EventFrame.String() != "frame" || EventKind(42).String() != "unknown" {
		t.Error("unexpected EventKind names")
	}
}
