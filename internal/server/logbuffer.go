package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultLogBufferSize is used when NewLogBuffer gets a non-positive size.
const defaultLogBufferSize = 256

// LogEntry is one captured log record.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// LogBuffer is a slog.Handler that keeps the most recent records in a
// fixed-size ring while forwarding everything to a wrapped handler.
// Handlers derived via WithAttrs and WithGroup share the same ring.
type LogBuffer struct {
	inner slog.Handler
	ring  *logRing
}

type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	pos     int
	full    bool
}

// NewLogBuffer wraps inner, retaining up to size entries.
func NewLogBuffer(inner slog.Handler, size int) *LogBuffer {
	if size <= 0 {
		size = defaultLogBufferSize
	}
	return &LogBuffer{
		inner: inner,
		ring:  &logRing{entries: make([]LogEntry, size)},
	}
}

// Enabled delegates to the inner handler.
func (lb *LogBuffer) Enabled(ctx context.Context, level slog.Level) bool {
	return lb.inner.Enabled(ctx, level)
}

// Handle captures the record into the ring and forwards it.
func (lb *LogBuffer) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	if r.NumAttrs() > 0 {
		entry.Attrs = make(map[string]any, r.NumAttrs())
		r.Attrs(func(a slog.Attr) bool {
			entry.Attrs[a.Key] = a.Value.Any()
			return true
		})
	}

	lb.ring.add(entry)
	return lb.inner.Handle(ctx, r)
}

// WithAttrs returns a handler sharing this buffer's ring.
func (lb *LogBuffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogBuffer{inner: lb.inner.WithAttrs(attrs), ring: lb.ring}
}

// WithGroup returns a handler sharing this buffer's ring.
func (lb *LogBuffer) WithGroup(name string) slog.Handler {
	return &LogBuffer{inner: lb.inner.WithGroup(name), ring: lb.ring}
}

// Entries returns the retained records in chronological order.
func (lb *LogBuffer) Entries() []LogEntry {
	return lb.ring.snapshot()
}

func (r *logRing) add(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.pos] = e
	r.pos++
	if r.pos == len(r.entries) {
		r.pos = 0
		r.full = true
	}
}

func (r *logRing) snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]LogEntry, r.pos)
		copy(out, r.entries[:r.pos])
		return out
	}

	// Full ring: pos points at the oldest entry.
	out := make([]LogEntry, 0, len(r.entries))
	out = append(out, r.entries[r.pos:]...)
	out = append(out, r.entries[:r.pos]...)
	return out
}
