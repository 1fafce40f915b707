// Package capture converts network captures of a glove streaming the line
// protocol over UDP into recordings that play back like any other.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/monitoring"
	"github.com/banshee-data/handtrack/internal/recording"
	"github.com/banshee-data/handtrack/internal/serialmux"
)

var logf = monitoring.Tagged("capture")

// DefaultPort is the UDP port gloves stream to.
const DefaultPort = 7777

// Options selects what to import.
type Options struct {
	// Port filters UDP datagrams by source or destination port. Zero
	// means DefaultPort.
	Port int
	// DeviceID selects one glove; empty takes the first device seen.
	DeviceID string
}

// Stats describes an import.
type Stats struct {
	Packets   int
	Datagrams int
	Frames    int
	Skipped   int
}

type packetSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// pcapng files open with a section header block.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Import reads a pcap or pcapng stream and returns the selected glove's
// frames as a recording. Offsets come from capture timestamps.
func Import(ctx context.Context, r io.Reader, opts Options) (*recording.Recording, Stats, error) {
	var stats Stats
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}

	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil {
		return nil, stats, fmt.Errorf("%w: read capture header: %v", glove.ErrRecordingIO, err)
	}
	var src packetSource
	if bytes.Equal(head, ngMagic) {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, stats, fmt.Errorf("%w: open capture: %v", glove.ErrRecordingIO, err)
	}

	var (
		device  = opts.DeviceID
		hand    glove.Hand
		first   time.Time
		samples []glove.Sample
	)
	packets := gopacket.NewPacketSource(src, src.LinkType())
	for {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		packet, err := packets.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("%w: packet %d: %v", glove.ErrRecordingIO, stats.Packets+1, err)
		}
		stats.Packets++

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || (int(udp.DstPort) != opts.Port && int(udp.SrcPort) != opts.Port) || len(udp.Payload) == 0 {
			continue
		}
		stats.Datagrams++
		ts := packet.Metadata().Timestamp

		for _, line := range bytes.Split(udp.Payload, []byte("\n")) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			ev, err := serialmux.ParseLine(string(line))
			if err != nil || ev.Kind != serialmux.EventFrame {
				if err != nil {
					stats.Skipped++
				}
				continue
			}
			if device == "" {
				device = ev.DeviceID
			}
			if ev.DeviceID != device {
				continue
			}
			if len(samples) == 0 {
				first, hand = ts, ev.Hand
			} else if got, want := ev.Angles.Shape(), samples[0].Angles.Shape(); got != want {
				return nil, stats, fmt.Errorf("%w: packet %d: frame shape %v changed from %v", glove.ErrConfiguration, stats.Packets, got, want)
			}
			off := ts.Sub(first)
			if n := len(samples); n > 0 && off < samples[n-1].Offset {
				off = samples[n-1].Offset
			}
			samples = append(samples, glove.Sample{Offset: off, Angles: ev.Angles})
			stats.Frames++
		}
	}

	if len(samples) == 0 {
		return nil, stats, fmt.Errorf("%w: no frames on udp port %d", glove.ErrNoData, opts.Port)
	}
	logf("imported %d frames for %s from %d packets (%d lines skipped)", stats.Frames, device, stats.Packets, stats.Skipped)
	return recording.New(device, hand, "", "pcap", first, samples), stats, nil
}

// ImportFile is Import on a file.
func ImportFile(ctx context.Context, path string, opts Options) (*recording.Recording, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("%w: %v", glove.ErrRecordingIO, err)
	}
	defer f.Close()
	return Import(ctx, f, opts)
}
