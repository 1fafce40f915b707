package serialmux

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/handtrack/internal/glove"
)

// EventKind classifies a protocol line.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventFrame
	EventConnect
	EventDisconnect
	EventInfo
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventInfo:
		return "info"
	default:
		return "unknown"
	}
}

// Event is one parsed line of the glove protocol:
//
//	F <device> <hand> <thumb>;<index>;<middle>;<ring>;<pinky>
//	C <device> <hand>
//	D <device>
//	# free text
//
// Each finger group in a frame is a comma-separated list of joint angles in
// radians, splay first.
type Event struct {
	Kind     EventKind
	DeviceID string
	Hand     glove.Hand
	Angles   glove.Angles
	Text     string
}

// ParseLine parses one line. Malformed lines return glove.ErrConfiguration.
func ParseLine(line string) (Event, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Event{}, fmt.Errorf("%w: empty line", glove.ErrConfiguration)
	}
	if strings.HasPrefix(line, "#") {
		return Event{Kind: EventInfo, Text: strings.TrimSpace(line[1:])}, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "F":
		if len(fields) != 4 {
			return Event{}, fmt.Errorf("%w: frame line has %d fields, want 4", glove.ErrConfiguration, len(fields))
		}
		hand, err := glove.ParseHand(fields[2])
		if err != nil {
			return Event{}, err
		}
		angles, err := parseAngles(fields[3])
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventFrame, DeviceID: fields[1], Hand: hand, Angles: angles}, nil

	case "C":
		if len(fields) != 3 {
			return Event{}, fmt.Errorf("%w: connect line has %d fields, want 3", glove.ErrConfiguration, len(fields))
		}
		hand, err := glove.ParseHand(fields[2])
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventConnect, DeviceID: fields[1], Hand: hand}, nil

	case "D":
		if len(fields) != 2 {
			return Event{}, fmt.Errorf("%w: disconnect line has %d fields, want 2", glove.ErrConfiguration, len(fields))
		}
		return Event{Kind: EventDisconnect, DeviceID: fields[1]}, nil
	}
	return Event{Kind: EventUnknown, Text: line}, nil
}

func parseAngles(s string) (glove.Angles, error) {
	var a glove.Angles
	groups := strings.Split(s, ";")
	if len(groups) != glove.NumFingers {
		return a, fmt.Errorf("%w: frame has %d finger groups, want %d", glove.ErrConfiguration, len(groups), glove.NumFingers)
	}
	for i, g := range groups {
		if g == "" {
			a[i] = []float64{}
			continue
		}
		parts := strings.Split(g, ",")
		a[i] = make([]float64, len(parts))
		for k, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return a, fmt.Errorf("%w: %s joint %d: %v", glove.ErrConfiguration, glove.FingerName(i), k, err)
			}
			a[i][k] = v
		}
	}
	return a, nil
}

// FormatFrame renders a frame line that ParseLine reads back exactly.
func FormatFrame(deviceID string, hand glove.Hand, angles glove.Angles) string {
	var b strings.Builder
	b.WriteString("F ")
	b.WriteString(deviceID)
	b.WriteByte(' ')
	b.WriteString(hand.String())
	b.WriteByte(' ')
	for i, finger := range angles {
		if i > 0 {
			b.WriteByte(';')
		}
		for k, v := range finger {
			if k > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	return b.String()
}
