// Command pcap-import converts a packet capture of a glove streaming over
// UDP into a native recording that the daemon can play back.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/banshee-data/handtrack/internal/capture"
	"github.com/banshee-data/handtrack/internal/db"
	"github.com/banshee-data/handtrack/internal/recording"
)

var (
	inFile   = flag.String("in", "", "Input .pcap or .pcapng file (required)")
	outFile  = flag.String("out", "", "Output recording (default: input name with "+recording.Ext+")")
	port     = flag.Int("port", capture.DefaultPort, "UDP port the glove streams to")
	deviceID = flag.String("device", "", "Device id to import (default: first seen)")
	dbPath   = flag.String("db", "", "Optional database to catalogue the recording in")
)

func outputPath(in, out string) string {
	if out != "" {
		return out
	}
	return strings.TrimSuffix(in, filepath.Ext(in)) + recording.Ext
}

func importCapture(ctx context.Context, in, out string, opts capture.Options, index recording.Index) (recording.Info, capture.Stats, error) {
	rec, stats, err := capture.ImportFile(ctx, in, opts)
	if err != nil {
		return recording.Info{}, stats, err
	}
	if err := recording.Save(out, rec); err != nil {
		return recording.Info{}, stats, err
	}
	abs, err := filepath.Abs(out)
	if err != nil {
		abs = out
	}
	info := recording.InfoOf(abs, rec)
	if index != nil {
		if err := index.IndexRecording(ctx, info); err != nil {
			return info, stats, fmt.Errorf("index recording: %w", err)
		}
	}
	return info, stats, nil
}

func main() {
	flag.Parse()
	if *inFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var index recording.Index
	if *dbPath != "" {
		d, err := db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer d.Close()
		index = d
	}

	out := outputPath(*inFile, *outFile)
	info, stats, err := importCapture(ctx, *inFile, out, capture.Options{Port: *port, DeviceID: *deviceID}, index)
	if err != nil {
		log.Fatalf("import %s: %v", *inFile, err)
	}
	fmt.Printf("Packets:   %d\n", stats.Packets)
	fmt.Printf("Datagrams: %d\n", stats.Datagrams)
	fmt.Printf("Frames:    %d\n", stats.Frames)
	fmt.Printf("Skipped:   %d\n", stats.Skipped)
	fmt.Printf("Wrote %s (%s, %s hand, %v)\n", info.Path, info.DeviceID, info.Hand, info.Duration)
}
