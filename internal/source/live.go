package source

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/handtrack/internal/glove"
)

// LiveFeed forwards frames pushed by a device transport. Push hands each
// frame straight to the dispatcher on the caller's goroutine; nothing is
// queued, so a slow consumer slows the transport rather than building a
// backlog.
type LiveFeed struct {
	shape     [glove.NumFingers]int
	emit      atomic.Pointer[func(glove.Frame)]
	connected atomic.Bool
	dropped   atomic.Uint64
}

// NewLiveFeed returns a feed that accepts frames of the given joint counts.
func NewLiveFeed(shape [glove.NumFingers]int) *LiveFeed {
	return &LiveFeed{shape: shape}
}

func (l *LiveFeed) Kind() Kind { return KindLive }

// Attach makes Push deliver through emit straight away, without waiting
// for Start to be scheduled.
func (l *LiveFeed) Attach(emit func(glove.Frame)) {
	l.emit.Store(&emit)
}

// Start keeps the attached emit, or attaches emit if nothing is, until ctx
// is cancelled.
func (l *LiveFeed) Start(ctx context.Context, emit func(glove.Frame)) error {
	p := l.emit.Load()
	if p == nil {
		p = &emit
		l.emit.Store(p)
	}
	defer l.emit.CompareAndSwap(p, nil)
	<-ctx.Done()
	return nil
}

// Alive reports whether the feed is started and the device is connected.
func (l *LiveFeed) Alive() bool {
	return l.emit.Load() != nil && l.connected.Load()
}

// Connect marks the device as connected.
func (l *LiveFeed) Connect() { l.connected.Store(true) }

// Disconnect marks the device as gone. The last frame stays in the
// session's latest slot.
func (l *LiveFeed) Disconnect() { l.connected.Store(false) }

// Dropped counts pushes that arrived while the feed was not attached.
func (l *LiveFeed) Dropped() uint64 { return l.dropped.Load() }

// Push delivers one frame. A frame of the wrong shape is rejected with
// glove.ErrConfiguration. A zero ts is stamped by the dispatcher.
func (l *LiveFeed) Push(angles glove.Angles, ts time.Time) error {
	if got := angles.Shape(); got != l.shape {
		return shapeError(got, l.shape)
	}
	emit := l.emit.Load()
	if emit == nil {
		l.dropped.Add(1)
		return nil
	}
	(*emit)(glove.Frame{Angles: angles, Timestamp: ts})
	return nil
}
