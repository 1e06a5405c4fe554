package sandbox

import (
	"bytes"
	"io"
	"sync"
)

// capture collects stdout and stderr against one shared byte budget.
//
// When the budget is exhausted the excess is discarded, the capture is marked
// as overflowed and onOverflow runs once. Writes never fail so the child is
// not disturbed by a broken pipe before it is killed.
type capture struct {
	mu         sync.Mutex
	stdout     bytes.Buffer
	stderr     bytes.Buffer
	remaining  int
	overflowed bool
	onOverflow func()
	observer   OutputFunc
}

func newCapture(limit int, onOverflow func(), observer OutputFunc) *capture {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &capture{remaining: limit, onOverflow: onOverflow, observer: observer}
}

// writer returns an io.Writer feeding the given stream.
func (c *capture) writer(s Stream) io.Writer {
	return streamWriter{c: c, stream: s}
}

func (c *capture) write(s Stream, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(p)
	if c.remaining <= 0 {
		if n > 0 {
			c.overflow()
		}
		return n, nil
	}

	chunk := p
	if len(chunk) > c.remaining {
		chunk = chunk[:c.remaining]
	}
	if s == Stderr {
		c.stderr.Write(chunk)
	} else {
		c.stdout.Write(chunk)
	}
	c.remaining -= len(chunk)

	if c.observer != nil && len(chunk) > 0 {
		c.observer(s, chunk)
	}
	if len(chunk) < n {
		c.overflow()
	}
	return n, nil
}

func (c *capture) overflow() {
	if c.overflowed {
		return
	}
	c.overflowed = true
	if c.onOverflow != nil {
		c.onOverflow()
	}
}

// Overflowed reports whether output was discarded.
func (c *capture) Overflowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overflowed
}

// Strings returns the captured stdout and stderr.
func (c *capture) Strings() (stdout, stderr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout.String(), c.stderr.String()
}

type streamWriter struct {
	c      *capture
	stream Stream
}

func (w streamWriter) Write(p []byte) (int, error) {
	return w.c.write(w.stream, p)
}
