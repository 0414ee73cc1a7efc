// Package protocol implements the newline-delimited JSON-RPC 2.0 wire format
// spoken with agent adapter subprocesses over stdio.
package protocol

import (
	"bytes"
	"strings"
)

// Framer splits a raw byte stream into discrete message lines. Data may
// arrive in arbitrary chunks; a trailing partial line is buffered until the
// next delivery completes it.
type Framer struct {
	buf bytes.Buffer
}

// Feed appends a chunk to the internal buffer and returns every complete
// line it now contains, in order. Lines are returned without the trailing
// newline. Blank lines are skipped.
func (f *Framer) Feed(p []byte) [][]byte {
	f.buf.Write(p)

	data := f.buf.Bytes()
	last := bytes.LastIndexByte(data, '\n')
	if last < 0 {
		return nil
	}

	var lines [][]byte
	for _, raw := range bytes.Split(data[:last], []byte{'\n'}) {
		line := bytes.TrimRight(raw, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		lines = append(lines, out)
	}

	rest := make([]byte, len(data)-last-1)
	copy(rest, data[last+1:])
	f.buf.Reset()
	f.buf.Write(rest)

	return lines
}

// Pending returns the buffered partial line, if any. Used for diagnostics.
func (f *Framer) Pending() string {
	return strings.TrimRight(f.buf.String(), "\r")
}
