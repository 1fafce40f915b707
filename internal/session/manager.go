package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/source"
)

// CalibrationStore supplies saved calibration profiles. LoadCalibration
// returns nil and no error when the device has none.
type CalibrationStore interface {
	LoadCalibration(ctx context.Context, deviceID string) (*glove.Calibration, error)
}

// Manager owns the sessions of one process, keyed by device id.
type Manager struct {
	defaults []Option
	store    CalibrationStore

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a Manager that applies defaults to every session it
// opens, before any per-call options.
func NewManager(defaults ...Option) *Manager {
	return &Manager{defaults: defaults, sessions: make(map[string]*Session)}
}

// SetCalibrationStore makes Open seed new sessions from store.
func (m *Manager) SetCalibrationStore(store CalibrationStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

// Open creates a session for id. Opening an id that is already open is a
// configuration error.
func (m *Manager) Open(ctx context.Context, id string, hand glove.Hand, opts ...Option) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("%w: device %s is already open", glove.ErrConfiguration, id)
	}

	all := append(append([]Option(nil), m.defaults...), opts...)
	if m.store != nil {
		cal, err := m.store.LoadCalibration(ctx, id)
		if err != nil {
			logf("device %s: load calibration: %v; using defaults", id, err)
		} else if cal != nil {
			// Explicit options still win over the stored profile.
			all = append([]Option{WithCalibration(cal)}, all...)
		}
	}

	s, err := New(id, hand, all...)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = s
	logf("device %s: opened %s hand session", id, hand)
	return s, nil
}

// Get returns the session for id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// IDs returns the open device ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes and forgets the session for id. It reports whether one was
// open.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	for _, id := range m.IDs() {
		m.Close(id)
	}
}

// HandleConnect is the transport's connect event. It opens the session if
// needed, attaches a live feed as its source and returns the feed for the
// transport to push into. Reconnecting reuses a still-attached feed.
func (m *Manager) HandleConnect(ctx context.Context, id string, hand glove.Hand) (*source.LiveFeed, error) {
	s, ok := m.Get(id)
	if ok && s.Hand() != hand {
		return nil, fmt.Errorf("%w: device %s reconnected as %s hand, session is %s", glove.ErrConfiguration, id, hand, s.Hand())
	}
	if !ok {
		var err error
		if s, err = m.Open(ctx, id, hand); err != nil {
			return nil, err
		}
	}

	if feed, ok := s.Source().(*source.LiveFeed); ok {
		feed.Connect()
		logf("device %s: reconnected", id)
		return feed, nil
	}
	feed := source.NewLiveFeed(s.Shape())
	if err := s.SetSource(feed); err != nil {
		return nil, err
	}
	feed.Connect()
	logf("device %s: connected", id)
	return feed, nil
}

// HandleDisconnect is the transport's disconnect event. The session stays
// open and keeps its last frame.
func (m *Manager) HandleDisconnect(id string) {
	s, ok := m.Get(id)
	if !ok {
		return
	}
	if feed, ok := s.Source().(*source.LiveFeed); ok {
		feed.Disconnect()
		logf("device %s: disconnected", id)
	}
}
