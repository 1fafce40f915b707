package monitoring

import (
	"sync"
	"time"

	"github.com/banshee-data/handtrack/internal/timeutil"
)

// FPSCounter measures the rate of Tick calls over a sliding interval. It is
// safe for one producer and any number of readers.
type FPSCounter struct {
	clock    timeutil.Clock
	interval time.Duration

	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        float64
}

// NewFPSCounter returns a counter that publishes a new rate every interval.
func NewFPSCounter(clock timeutil.Clock, interval time.Duration) *FPSCounter {
	if interval <= 0 {
		interval = time.Second
	}
	return &FPSCounter{clock: clock, interval: interval, windowStart: clock.Now()}
}

// Tick counts one frame. It reports the new rate and true when an interval
// has just closed.
func (f *FPSCounter) Tick() (float64, bool) {
	now := f.clock.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	elapsed := now.Sub(f.windowStart)
	if elapsed < f.interval {
		return f.rate, false
	}
	f.rate = float64(f.count) / elapsed.Seconds()
	f.count = 0
	f.windowStart = now
	return f.rate, true
}

// Rate returns the rate measured over the last closed interval.
func (f *FPSCounter) Rate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}
