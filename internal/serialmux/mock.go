package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"

	"github.com/banshee-data/handtrack/internal/glove"
)

var errFakeClosed = errors.New("serial port closed")

// FakeGlove is an in-memory SerialPorter that plays the glove side of the
// line protocol. Lines queued with Feed, Connect, Frame or Disconnect are
// returned by Read; commands written by the host are kept for inspection.
type FakeGlove struct {
	mu   sync.Mutex
	cond *sync.Cond
	in   bytes.Buffer
	out  bytes.Buffer

	// Block makes Read wait for more lines instead of returning io.EOF
	// once the queue is empty.
	Block bool
	// ReadErr and WriteErr fail the next Read or Write, once.
	ReadErr  error
	WriteErr error

	closed bool
}

// NewFakeGlove returns a FakeGlove with nothing queued.
func NewFakeGlove() *FakeGlove {
	f := &FakeGlove{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *FakeGlove) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadErr != nil {
		err := f.ReadErr
		f.ReadErr = nil
		return 0, err
	}
	for f.Block && !f.closed && f.in.Len() == 0 {
		f.cond.Wait()
	}
	if f.closed {
		return 0, errFakeClosed
	}
	return f.in.Read(p)
}

func (f *FakeGlove) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errFakeClosed
	}
	if f.WriteErr != nil {
		err := f.WriteErr
		f.WriteErr = nil
		return 0, err
	}
	return f.out.Write(p)
}

func (f *FakeGlove) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
	return nil
}

// Closed reports whether Close was called.
func (f *FakeGlove) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Feed queues raw lines; each gets a trailing newline.
func (f *FakeGlove) Feed(lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range lines {
		f.in.WriteString(l)
		f.in.WriteByte('\n')
	}
	f.cond.Broadcast()
}

// Connect queues a connect line for device id.
func (f *FakeGlove) Connect(id string, hand glove.Hand) { f.Feed("C " + id + " " + hand.String()) }

// Disconnect queues a disconnect line for device id.
func (f *FakeGlove) Disconnect(id string) { f.Feed("D " + id) }

// Frame queues a frame line for device id.
func (f *FakeGlove) Frame(id string, hand glove.Hand, angles glove.Angles) {
	f.Feed(FormatFrame(id, hand, angles))
}

// Written returns everything the host has written so far.
func (f *FakeGlove) Written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.String()
}

// Commands returns the host's writes split into lines.
func (f *FakeGlove) Commands() []string {
	s := strings.TrimSuffix(f.Written(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
