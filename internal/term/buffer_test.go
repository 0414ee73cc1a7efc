package term

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestOutputBufferUnbounded(t *testing.T) {
	b := NewOutputBuffer(0)
	b.Append([]byte(strings.Repeat("x", 10000)))
	out, truncated := b.Snapshot(0)
	if len(out) != 10000 {
		t.Fatalf("expected 10000 bytes, got %d", len(out))
	}
	if truncated {
		t.Fatalf("unbounded buffer must not report truncation")
	}
}

func TestOutputBufferTrimsFront(t *testing.T) {
	b := NewOutputBuffer(10)
	b.Append([]byte("0123456789"))
	b.Append([]byte("abcdef"))

	out, truncated := b.Snapshot(0)
	if !truncated {
		t.Fatalf("expected truncated flag after overflow")
	}
	if len(out) > 10 {
		t.Fatalf("buffer exceeds limit: %d bytes", len(out))
	}
	if !strings.HasSuffix(out, "abcdef") {
		t.Fatalf("newest output must survive trimming, got %q", out)
	}
}

func TestOutputBufferTrimsOnRuneBoundary(t *testing.T) {
	// Each é is two bytes; trimming must never leave a dangling continuation
	// byte at the front.
	b := NewOutputBuffer(5)
	b.Append([]byte("ééééé")) // 10 bytes

	out, truncated := b.Snapshot(0)
	if !truncated {
		t.Fatalf("expected truncation")
	}
	if len(out) > 5 {
		t.Fatalf("buffer exceeds limit: %d bytes", len(out))
	}
	if !utf8.ValidString(out) {
		t.Fatalf("trim split a rune: %q", out)
	}
}

func TestOutputBufferSnapshotReTruncates(t *testing.T) {
	b := NewOutputBuffer(100)
	b.Append([]byte("0123456789"))

	out, truncated := b.Snapshot(4)
	if out != "6789" {
		t.Fatalf("expected re-truncated tail, got %q", out)
	}
	if !truncated {
		t.Fatalf("re-truncation must set the truncated flag")
	}

	// The stored buffer is untouched.
	full, fullTruncated := b.Snapshot(0)
	if full != "0123456789" || fullTruncated {
		t.Fatalf("snapshot mutated the buffer: %q truncated=%v", full, fullTruncated)
	}
}

func TestOutputBufferSingleOversizedChunk(t *testing.T) {
	b := NewOutputBuffer(8)
	b.Append([]byte("aaaaaaaaaaaaaaaaZZZZ"))
	out, truncated := b.Snapshot(0)
	if len(out) > 8 {
		t.Fatalf("buffer exceeds limit: %d", len(out))
	}
	if !strings.HasSuffix(out, "ZZZZ") || !truncated {
		t.Fatalf("expected truncated tail ending in ZZZZ, got %q truncated=%v", out, truncated)
	}
}
