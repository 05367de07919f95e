package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const defaultRingCapacity = 100

// DefaultRing holds the most recent log lines for the /logs endpoint.
var DefaultRing = NewRing(defaultRingCapacity)

// Entry is one captured log record.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Ring is a fixed-capacity buffer of recent log entries, newest first.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
}

// NewRing creates a Ring holding at most capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &Ring{cap: capacity}
}

// Add prepends an entry, evicting the oldest once capacity is exceeded.
func (r *Ring) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append([]Entry{e}, r.entries...)
	if len(r.entries) > r.cap {
		r.entries = r.entries[:r.cap]
	}
}

// Snapshot returns a copy of the buffered entries, newest first.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of buffered entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// fanoutHandler forwards records to the primary handler and mirrors them
// into a Ring.
type fanoutHandler struct {
	primary slog.Handler
	ring    *Ring
}

func newFanoutHandler(primary slog.Handler, ring *Ring) slog.Handler {
	return &fanoutHandler{primary: primary, ring: ring}
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level)
}

func (h *fanoutHandler) Handle(ctx context.Context, rec slog.Record) error {
	var attrs []string
	rec.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value.Any()))
		return true
	})
	msg := rec.Message
	if len(attrs) > 0 {
		msg = msg + " " + strings.Join(attrs, " ")
	}
	h.ring.Add(Entry{
		Time:    rec.Time,
		Level:   rec.Level.String(),
		Message: msg,
	})
	return h.primary.Handle(ctx, rec)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanoutHandler{primary: h.primary.WithAttrs(attrs), ring: h.ring}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	return &fanoutHandler{primary: h.primary.WithGroup(name), ring: h.ring}
}
