// Command plot-recording renders the per-finger flexion of a recording as
// an image. The format follows the output extension (.png, .svg or .pdf).
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/percentbent"
	"github.com/banshee-data/handtrack/internal/recording"
)

var (
	inFile  = flag.String("in", "", "Recording to plot (.hrec or legacy .json, required)")
	outFile = flag.String("out", "", "Output image (default: input name with .png)")
	percent = flag.Bool("percent", false, "Plot percent bent with the default calibration instead of degrees")
)

// maxPoints bounds each line; longer recordings are decimated.
const maxPoints = 5000

// flexionSeries returns one line of summed flexion per finger against time
// in seconds, in degrees or as percent bent under the default calibration.
func flexionSeries(rec *recording.Recording, asPercent bool) []plotter.XYs {
	step := 1
	if n := len(rec.Samples); n > maxPoints {
		step = (n + maxPoints - 1) / maxPoints
	}
	cal := glove.DefaultCalibration()

	series := make([]plotter.XYs, glove.NumFingers)
	for k := 0; k < len(rec.Samples); k += step {
		s := rec.Samples[k]
		x := s.Offset.Seconds()
		var res percentbent.Result
		if asPercent {
			// Degenerate ranges plot as zero.
			res, _ = percentbent.Normalize(s.Angles, cal, rec.Header.Hand)
		}
		for i, finger := range s.Angles {
			y := percentbent.FlexionSum(finger) * 180 / math.Pi
			if asPercent {
				y = float64(res.Fingers[i].Flexion) * 100 / percentbent.Full
			}
			series[i] = append(series[i], plotter.XY{X: x, Y: y})
		}
	}
	return series
}

func flexionPlot(rec *recording.Recording, asPercent bool) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (%s hand) - Finger flexion", rec.Header.DeviceID, rec.Header.Hand)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Flexion (deg)"
	if asPercent {
		p.Y.Label.Text = "Flexion (%)"
	}
	p.Add(plotter.NewGrid())

	for i, pts := range flexionSeries(rec, asPercent) {
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("line for %s: %w", glove.FingerName(i), err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(glove.FingerName(i), line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

func main() {
	flag.Parse()
	if *inFile == "" {
		flag.Usage()
		os.Exit(2)
	}
	out := *outFile
	if out == "" {
		out = strings.TrimSuffix(*inFile, filepath.Ext(*inFile)) + ".png"
	}

	rec, err := recording.Load(*inFile)
	if err != nil {
		log.Fatalf("load %s: %v", *inFile, err)
	}
	p, err := flexionPlot(rec, *percent)
	if err != nil {
		log.Fatalf("plot: %v", err)
	}
	if err := p.Save(14*vg.Inch, 6*vg.Inch, out); err != nil {
		log.Fatalf("save %s: %v", out, err)
	}
	log.Printf("wrote %s (%d frames, %v)", out, len(rec.Samples), rec.Duration())
}
