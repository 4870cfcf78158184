// Package scrollback implements the bounded output history kept per pane
// (§3, §4.D): a ring of recent lines used to answer ReadPane requests and
// captured in checkpoints.
package scrollback

import (
	"strings"
	"sync"
)

// DefaultMaxLines is the default scrollback depth per pane.
const DefaultMaxLines = 10000

// DefaultMaxBytes bounds total retained bytes regardless of line count, so
// a pane emitting a few enormous lines can't exhaust memory.
const DefaultMaxBytes = 4 << 20

// Buffer is a bounded, append-only ring of output lines. A partial line
// (no trailing newline yet) is tracked separately as the "pending" tail
// and is folded into the ring the next time a newline arrives.
type Buffer struct {
	mu       sync.Mutex
	lines    []string
	maxLines int
	maxBytes int
	size     int
	pending  strings.Builder
}

// New creates a Buffer with the given bounds. A maxLines or maxBytes of 0
// falls back to the package defaults.
func New(maxLines, maxBytes int) *Buffer {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Buffer{maxLines: maxLines, maxBytes: maxBytes}
}

// Write appends raw PTY output, splitting it into lines and trimming the
// ring to stay within both bounds. It never returns an error: scrollback
// is best-effort history, not a durability guarantee (the WAL is).
func (b *Buffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	start := 0
	for i, c := range p {
		if c == '\n' {
			b.pending.Write(p[start:i])
			b.pushLocked(b.pending.String())
			b.pending.Reset()
			start = i + 1
		}
	}
	if start < len(p) {
		b.pending.Write(p[start:])
	}
}

func (b *Buffer) pushLocked(line string) {
	b.lines = append(b.lines, line)
	b.size += len(line)
	for (len(b.lines) > b.maxLines || b.size > b.maxBytes) && len(b.lines) > 0 {
		b.size -= len(b.lines[0])
		b.lines = b.lines[1:]
	}
}

// Lines returns up to n most recent complete lines, oldest first. n <= 0
// means "all retained lines". The pending (unterminated) tail is not
// included — callers wanting the live partial line should combine this
// with the pane's last raw output.
func (b *Buffer) Lines(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]string, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}

// Snapshot returns the full retained scrollback joined with newlines,
// suitable for a Sync/Attached response.
func (b *Buffer) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

// Len reports the number of complete lines currently retained.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// SizeBytes reports the buffer's current retained byte footprint
// (complete lines plus the pending partial line), so callers can
// aggregate scrollback memory usage across every pane.
func (b *Buffer) SizeBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size + b.pending.Len()
}
