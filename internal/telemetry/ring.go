package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Record is one captured log entry, shaped for the /logs JSON response.
type Record struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Ring keeps the most recent log records in memory so the health surface can
// serve a log tail without touching the log file.
type Ring struct {
	mu   sync.RWMutex
	buf  []Record
	next int
	full bool
}

const defaultRingSize = 1000

// NewRing creates a ring holding up to size records (defaultRingSize if <= 0).
func NewRing(size int) *Ring {
	if size <= 0 {
		size = defaultRingSize
	}
	return &Ring{buf: make([]Record, size)}
}

func (r *Ring) add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Tail returns up to limit records at or above minLevel, newest first.
func (r *Ring) Tail(limit int, minLevel slog.Level) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}
	out := make([]Record, 0, limit)
	for i := 0; i < size && len(out) < limit; i++ {
		// Walk backwards from the most recently written slot.
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		rec := r.buf[idx]
		if ParseLevel(rec.Level) < minLevel {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Len reports how many records are currently retained.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Handler returns a slog.Handler that mirrors records into the ring.
func (r *Ring) Handler(level slog.Level) slog.Handler {
	return &ringHandler{ring: r, level: level}
}

type ringHandler struct {
	ring  *Ring
	level slog.Level
	attrs []slog.Attr
}

func (h *ringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *ringHandler) Handle(_ context.Context, rec slog.Record) error {
	attrs := make(map[string]string, rec.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.String()
	}
	rec.Attrs(func(a slog.Attr) bool {
		if shouldRedactKey(a.Key) {
			attrs[a.Key] = "[REDACTED]"
			return true
		}
		v := a.Value.String()
		if redacted, ok := redactStringValue(v); ok {
			v = redacted
		}
		attrs[a.Key] = v
		return true
	})
	h.ring.add(Record{
		Timestamp: rec.Time,
		Level:     rec.Level.String(),
		Message:   rec.Message,
		Attrs:     attrs,
	})
	return nil
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &ringHandler{ring: h.ring, level: h.level, attrs: merged}
}

func (h *ringHandler) WithGroup(string) slog.Handler {
	// Groups are flattened; the log tail is a diagnostic view, not a schema.
	return h
}
