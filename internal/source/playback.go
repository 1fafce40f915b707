package source

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/timeutil"
)

// Playback replays recorded samples at their original relative timing,
// scaled by the playback rate. Sequence numbers come from the dispatcher, so
// they keep increasing across a loop wrap.
type Playback struct {
	clock   timeutil.Clock
	samples []glove.Sample
	shape   [glove.NumFingers]int
	loop    atomic.Bool
	rate    atomic.Uint64 // float64 bits

	alive  atomic.Bool
	index  atomic.Int64
	passes atomic.Uint64
}

// NewPlayback validates samples and returns a Playback. Samples must be
// non-empty, share one shape and have non-decreasing offsets.
func NewPlayback(samples []glove.Sample, loop bool, opts ...Option) (*Playback, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: recording has no frames", glove.ErrConfiguration)
	}
	shape := samples[0].Angles.Shape()
	for i, s := range samples {
		if got := s.Angles.Shape(); got != shape {
			return nil, fmt.Errorf("sample %d: %w", i, shapeError(got, shape))
		}
		if i > 0 && s.Offset < samples[i-1].Offset {
			return nil, fmt.Errorf("%w: sample %d offset %v precedes %v", glove.ErrConfiguration, i, s.Offset, samples[i-1].Offset)
		}
	}
	o := buildOptions(opts)
	p := &Playback{clock: o.clock, samples: samples, shape: shape}
	p.loop.Store(loop)
	p.SetRate(1)
	return p, nil
}

func (p *Playback) Kind() Kind  { return KindPlayback }
func (p *Playback) Alive() bool { return p.alive.Load() }

// Shape returns the joint counts of the recorded frames.
func (p *Playback) Shape() [glove.NumFingers]int { return p.shape }

// Len returns the number of samples.
func (p *Playback) Len() int { return len(p.samples) }

// SetLoop changes whether playback wraps at end of data.
func (p *Playback) SetLoop(loop bool) { p.loop.Store(loop) }

// SetRate scales playback speed; 2 plays twice as fast. Non-positive rates
// disable pacing and replay as fast as the consumer accepts frames.
func (p *Playback) SetRate(rate float64) { p.rate.Store(math.Float64bits(rate)) }

func (p *Playback) Rate() float64 { return math.Float64frombits(p.rate.Load()) }

// Position returns the index of the sample most recently emitted and the
// number of completed passes through the recording.
func (p *Playback) Position() (index int, passes uint64) {
	return int(p.index.Load()), p.passes.Load()
}

// Start replays until ctx is cancelled or, without loop, the last sample has
// been emitted. The last frame remains in the session's latest slot.
func (p *Playback) Start(ctx context.Context, emit func(glove.Frame)) error {
	p.alive.Store(true)
	defer p.alive.Store(false)

	for {
		var (
			lastOffset time.Duration
			lastWall   time.Time
		)
		for i, s := range p.samples {
			if ctx.Err() != nil {
				return nil
			}

			// Rate control: sleep off whatever part of the recorded gap the
			// previous emit did not already use.
			if rate := p.Rate(); i > 0 && rate > 0 {
				frameDelta := time.Duration(float64(s.Offset-lastOffset) / rate)
				if wallDelta := p.clock.Since(lastWall); frameDelta > wallDelta {
					if err := timeutil.SleepContext(ctx, p.clock, frameDelta-wallDelta); err != nil {
						return nil
					}
				}
			}
			lastOffset = s.Offset
			lastWall = p.clock.Now()

			p.index.Store(int64(i))
			emit(glove.Frame{Angles: s.Angles, Timestamp: lastWall})
		}
		p.passes.Add(1)
		if !p.loop.Load() {
			return nil
		}
	}
}
