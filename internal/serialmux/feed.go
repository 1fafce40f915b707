package serialmux

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/source"
)

// Sessions receives the transport lifecycle events.
type Sessions interface {
	HandleConnect(ctx context.Context, id string, hand glove.Hand) (*source.LiveFeed, error)
	HandleDisconnect(id string)
}

// GloveFeed subscribes to a mux and turns protocol lines into session
// connects, disconnects and frames. A frame from a device that never sent
// a connect line connects it implicitly.
type GloveFeed struct {
	mux      SerialMuxInterface
	sessions Sessions

	mu    sync.Mutex
	feeds map[string]*source.LiveFeed

	frames    atomic.Uint64
	malformed atomic.Uint64
}

// NewGloveFeed returns a feed reading from mux.
func NewGloveFeed(mux SerialMuxInterface, sessions Sessions) *GloveFeed {
	return &GloveFeed{mux: mux, sessions: sessions, feeds: make(map[string]*source.LiveFeed)}
}

// Frames counts frames pushed into sessions.
func (g *GloveFeed) Frames() uint64 { return g.frames.Load() }

// Malformed counts lines that failed to parse or were rejected.
func (g *GloveFeed) Malformed() uint64 { return g.malformed.Load() }

// Run consumes lines until ctx is done or the mux closes, then disconnects
// every device it connected.
func (g *GloveFeed) Run(ctx context.Context) error {
	id, lines := g.mux.Subscribe()
	defer g.mux.Unsubscribe(id)
	defer g.disconnectAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := g.HandleLine(ctx, line); err != nil {
				g.malformed.Add(1)
				if n := g.malformed.Load(); n == 1 || n%1000 == 0 {
					logf("line %q: %v (%d rejected so far)", line, err, n)
				}
			}
		}
	}
}

// HandleLine applies one protocol line.
func (g *GloveFeed) HandleLine(ctx context.Context, line string) error {
	ev, err := ParseLine(line)
	if err != nil {
		return err
	}
	switch ev.Kind {
	case EventConnect:
		_, err := g.connect(ctx, ev.DeviceID, ev.Hand)
		return err
	case EventDisconnect:
		g.mu.Lock()
		delete(g.feeds, ev.DeviceID)
		g.mu.Unlock()
		g.sessions.HandleDisconnect(ev.DeviceID)
		return nil
	case EventFrame:
		g.mu.Lock()
		feed := g.feeds[ev.DeviceID]
		g.mu.Unlock()
		if feed == nil {
			if feed, err = g.connect(ctx, ev.DeviceID, ev.Hand); err != nil {
				return err
			}
		}
		if err := feed.Push(ev.Angles, time.Time{}); err != nil {
			return err
		}
		g.frames.Add(1)
		return nil
	case EventInfo:
		logf("device info: %s", ev.Text)
		return nil
	default:
		return errors.New("unrecognised line")
	}
}

func (g *GloveFeed) connect(ctx context.Context, id string, hand glove.Hand) (*source.LiveFeed, error) {
	feed, err := g.sessions.HandleConnect(ctx, id, hand)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.feeds[id] = feed
	g.mu.Unlock()
	return feed, nil
}

func (g *GloveFeed) disconnectAll() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.feeds))
	for id := range g.feeds {
		ids = append(ids, id)
	}
	g.feeds = make(map[string]*source.LiveFeed)
	g.mu.Unlock()
	for _, id := range ids {
		g.sessions.HandleDisconnect(id)
	}
}
