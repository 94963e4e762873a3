package sandbox

import (
	"bytes"
	"io"
	"sync"
	"unicode/utf8"
)

// capture collects stdout and stderr under one shared byte budget and forwards
// every accepted chunk to the sink. Once the budget is spent it keeps
// accepting writes (so the producer never blocks on a full pipe) but drops
// them, and calls onLimit exactly once.
//
// Chunks handed to the sink end on a UTF-8 character boundary: an incomplete
// trailing character is held back until the rest of it arrives, and the cut
// at the budget never splits one.
type capture struct {
	mu        sync.Mutex
	limit     int
	used      int
	stdout    bytes.Buffer
	stderr    bytes.Buffer
	pending   map[Stream][]byte
	truncated bool
	sink      Sink

	limitOnce sync.Once
	onLimit   func()
}

func newCapture(limit int, sink Sink, onLimit func()) *capture {
	return &capture{limit: limit, sink: sink, onLimit: onLimit, pending: make(map[Stream][]byte)}
}

func (c *capture) writer(s Stream) io.Writer {
	return &streamWriter{c: c, stream: s}
}

func (c *capture) write(s Stream, p []byte) {
	c.mu.Lock()
	if c.truncated {
		c.mu.Unlock()
		return
	}

	// p belongs to the caller and may be reused after Write returns.
	data := append(c.pending[s], p...)
	delete(c.pending, s)

	hit := false
	if c.limit > 0 && c.used+len(data) > c.limit {
		data = data[:runeCut(data, c.limit-c.used)]
		hit = true
		c.truncated = true
	} else if n := completePrefix(data); n < len(data) {
		c.pending[s] = append([]byte(nil), data[n:]...)
		data = data[:n]
	}
	c.keepLocked(s, data)
	c.mu.Unlock()

	if len(data) > 0 && c.sink != nil {
		c.sink(s, data)
	}
	if hit && c.onLimit != nil {
		c.limitOnce.Do(c.onLimit)
	}
}

func (c *capture) keepLocked(s Stream, data []byte) {
	c.used += len(data)
	if s == Stderr {
		c.stderr.Write(data)
	} else {
		c.stdout.Write(data)
	}
}

// flush delivers bytes held back for an incomplete character. The program
// has finished writing, so they will never be completed.
func (c *capture) flush() {
	c.mu.Lock()
	var out []struct {
		s    Stream
		data []byte
	}
	for _, s := range []Stream{Stdout, Stderr} {
		data := c.pending[s]
		delete(c.pending, s)
		if len(data) == 0 || c.truncated {
			continue
		}
		if c.limit > 0 && c.used+len(data) > c.limit {
			data = data[:c.limit-c.used]
			c.truncated = true
		}
		c.keepLocked(s, data)
		out = append(out, struct {
			s    Stream
			data []byte
		}{s, data})
	}
	c.mu.Unlock()

	for _, o := range out {
		if len(o.data) > 0 && c.sink != nil {
			c.sink(o.s, o.data)
		}
	}
}

// result flushes held-back bytes and returns the captured output.
func (c *capture) result() (stdout, stderr string, truncated bool) {
	c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout.String(), c.stderr.String(), c.truncated
}

// completePrefix returns the length of b without a trailing incomplete
// UTF-8 sequence. Invalid bytes count as complete.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// runeCut moves a cut at n back to the start of the character it would split.
func runeCut(b []byte, n int) int {
	if n >= len(b) {
		return len(b)
	}
	for i := 0; n > 0 && i < utf8.UTFMax-1 && !utf8.RuneStart(b[n]); i++ {
		n--
	}
	return n
}

type streamWriter struct {
	c      *capture
	stream Stream
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.c.write(w.stream, p)
	return len(p), nil
}
