// Package source provides the producers that feed a session's dispatcher:
// a live device feed, a simulated generator and recorded playback. All
// variants emit identically shaped frames through the same Source contract,
// so nothing downstream branches on which one is active.
package source

import (
	"context"
	"fmt"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/monitoring"
	"github.com/banshee-data/handtrack/internal/timeutil"
)

// Kind tags the source variant for status reporting.
type Kind int

const (
	KindLive Kind = iota
	KindSimulated
	KindPlayback
)

func (k Kind) String() string {
	switch k {
	case KindLive:
		return "live"
	case KindSimulated:
		return "simulated"
	case KindPlayback:
		return "playback"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Source produces frames.
type Source interface {
	Kind() Kind
	// Start produces frames through emit until ctx is cancelled or the
	// source runs out of data. It blocks for the life of the producer and
	// returns nil on cancellation or a clean end of data.
	Start(ctx context.Context, emit func(glove.Frame)) error
	// Alive reports whether the source is currently producing.
	Alive() bool
}

// Attacher is implemented by sources whose frames are pushed from outside
// their own goroutine. The session calls Attach with the same emit it will
// pass to Start, before Start runs, so a push made as soon as the source is
// installed is delivered rather than dropped.
type Attacher interface {
	Attach(emit func(glove.Frame))
}

type options struct {
	clock timeutil.Clock
}

// Option configures a Generator or Playback.
type Option func(*options)

// WithClock sets the clock driving ticks and pacing.
func WithClock(c timeutil.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

var logf = monitoring.Tagged("source")
