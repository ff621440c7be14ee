// Package logring keeps the most recent log entries in memory so the admin
// API can show what a sweep or login refresh did without shell access to the
// host. It plugs into slog as a tee: every record goes into the ring and is
// then passed on to the real output handler.
package logring

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Ring is a fixed-capacity entry buffer. Writes overwrite the oldest entry
// once the ring is full.
type Ring struct {
	mu    sync.Mutex
	slots []Entry
	next  int
	full  bool
}

// New returns a ring holding up to capacity entries.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{slots: make([]Entry, capacity)}
}

func (r *Ring) add(e Entry) {
	r.mu.Lock()
	r.slots[r.next] = e
	r.next = (r.next + 1) % len(r.slots)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// snapshot copies the live entries oldest-first.
func (r *Ring) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.slots[:r.next])
		return out
	}
	out := make([]Entry, 0, len(r.slots))
	out = append(out, r.slots[r.next:]...)
	out = append(out, r.slots[:r.next]...)
	return out
}

// Tail returns the newest n entries, oldest-first. n <= 0 returns everything.
func (r *Ring) Tail(n int) []Entry {
	all := r.snapshot()
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Since returns entries at or above minLevel recorded at or after t,
// oldest-first. A zero t places no time bound.
func (r *Ring) Since(t time.Time, minLevel slog.Level) []Entry {
	var out []Entry
	for _, e := range r.snapshot() {
		if e.Level < minLevel {
			continue
		}
		if !t.IsZero() && e.Time.Before(t) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Handler tees slog records into a Ring before delegating to the wrapped
// handler. The ring captures every level; the wrapped handler keeps its own
// level filter for the real output.
type Handler struct {
	ring   *Ring
	next   slog.Handler
	bound  []slog.Attr
	groups []string
}

// NewHandler wraps next with ring capture.
func NewHandler(next slog.Handler, ring *Ring) *Handler {
	return &Handler{ring: ring, next: next}
}

func (h *Handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	fields := make(map[string]any, len(h.bound)+rec.NumAttrs())
	for _, a := range h.bound {
		fields[h.key(a.Key)] = flatten(a.Value)
	}
	rec.Attrs(func(a slog.Attr) bool {
		fields[h.key(a.Key)] = flatten(a.Value)
		return true
	})
	if len(fields) == 0 {
		fields = nil
	}

	h.ring.add(Entry{
		Time:    rec.Time,
		Level:   rec.Level,
		Message: rec.Message,
		Fields:  fields,
	})

	if h.next.Enabled(ctx, rec.Level) {
		return h.next.Handle(ctx, rec)
	}
	return nil
}

func (h *Handler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

// flatten resolves a value into something json.Marshal renders usefully.
// Errors in particular marshal to {} unless stringified here.
func flatten(v slog.Value) any {
	v = v.Resolve()
	raw := v.Any()
	if err, ok := raw.(error); ok {
		return err.Error()
	}
	return raw
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		ring:   h.ring,
		next:   h.next.WithAttrs(attrs),
		bound:  append(h.bound[:len(h.bound):len(h.bound)], attrs...),
		groups: h.groups,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		ring:   h.ring,
		next:   h.next.WithGroup(name),
		bound:  h.bound,
		groups: append(h.groups[:len(h.groups):len(h.groups)], name),
	}
}
