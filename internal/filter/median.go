// Package filter smooths joint-angle streams before they are published.
package filter

import (
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/handtrack/internal/glove"
)

// DefaultWindow is the number of samples a Median keeps per joint.
const DefaultWindow = 5

// window is a fixed-capacity ring of the most recent values for one joint.
type window struct {
	buf  []float64
	next int
	full bool
}

func (w *window) push(v float64) {
	n := w.len()
	if n > 0 {
		last := w.next - 1
		if last < 0 {
			last = len(w.buf) - 1
		}
		// Repeated readings from a stalled transport do not crowd out
		// the real history.
		if w.buf[last] == v {
			return
		}
	}
	w.buf[w.next] = v
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.buf)
	}
	return w.next
}

func (w *window) median(scratch []float64) float64 {
	n := w.len()
	scratch = append(scratch[:0], w.buf[:n]...)
	sort.Float64s(scratch)
	if n%2 == 1 {
		return scratch[n/2]
	}
	return stat.Mean(scratch[n/2-1:n/2+1], nil)
}

// Median applies a sliding median per joint. It is safe for concurrent use,
// though frames from different producers share one history.
type Median struct {
	size int

	mu      sync.Mutex
	joints  [glove.NumFingers][]*window
	scratch []float64
}

// NewMedian returns a filter with the given window size.
func NewMedian(size int) (*Median, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: median window %d must be at least 1", glove.ErrConfiguration, size)
	}
	return &Median{size: size, scratch: make([]float64, 0, size)}, nil
}

// Size returns the window size.
func (m *Median) Size() int { return m.size }

// Apply feeds one frame of angles into the filter and returns the smoothed
// angles as a new value. A change of shape restarts the affected fingers.
func (m *Median) Apply(a glove.Angles) glove.Angles {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out glove.Angles
	for f := range a {
		if len(m.joints[f]) != len(a[f]) {
			m.joints[f] = make([]*window, len(a[f]))
			for j := range m.joints[f] {
				m.joints[f][j] = &window{buf: make([]float64, m.size)}
			}
		}
		out[f] = make([]float64, len(a[f]))
		for j, v := range a[f] {
			w := m.joints[f][j]
			w.push(v)
			out[f][j] = w.median(m.scratch)
		}
	}
	return out
}

// Reset clears all history.
func (m *Median) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for f := range m.joints {
		m.joints[f] = nil
	}
}
