package term

import (
	"sync"
	"unicode/utf8"
)

// OutputBuffer accumulates terminal output. When a byte limit is configured
// the buffer is trimmed from the front so it always holds a valid UTF-8
// suffix of the stream, never splitting a multi-byte character.
type OutputBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int // 0 means unbounded
	truncated bool
}

// NewOutputBuffer returns a buffer bounded to limit bytes, or unbounded when
// limit <= 0.
func NewOutputBuffer(limit int) *OutputBuffer {
	if limit < 0 {
		limit = 0
	}
	return &OutputBuffer{limit: limit}
}

// Append adds a chunk and trims the front to the configured limit.
func (b *OutputBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if b.limit > 0 && len(b.buf) > b.limit {
		b.buf = trimFront(b.buf, b.limit)
		b.truncated = true
	}
}

// Snapshot returns a copy of the buffered output and whether truncation has
// occurred. A positive limit re-truncates the copy (without mutating the
// stored buffer) for callers that want a tighter window than the
// creation-time limit.
func (b *OutputBuffer) Snapshot(limit int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.buf
	truncated := b.truncated
	if limit > 0 && len(out) > limit {
		out = trimFront(out, limit)
		truncated = true
	}
	return string(out), truncated
}

// Len returns the current buffered byte count.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// trimFront drops bytes from the start so at most limit bytes remain,
// advancing past any continuation bytes so the cut lands on a rune boundary.
func trimFront(buf []byte, limit int) []byte {
	start := len(buf) - limit
	for start < len(buf) && !utf8.RuneStart(buf[start]) {
		start++
	}
	return buf[start:]
}
