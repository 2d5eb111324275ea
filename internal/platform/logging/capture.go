package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Capture is a slog.Handler that keeps records as structured entries
// ({time, level, name, message, ...attrs}) and optionally forwards them.
type Capture struct {
	level slog.Leveler
	next  slog.Handler
	name  string
	attrs []slog.Attr
	group string
	store *captureStore
}

type captureStore struct {
	mu      sync.Mutex
	entries []map[string]any
}

// NewCapture keeps records at or above level. next may be nil.
func NewCapture(name string, level slog.Leveler, next slog.Handler) *Capture {
	return &Capture{level: level, next: next, name: name, store: &captureStore{}}
}

func (c *Capture) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= c.level.Level() {
		return true
	}
	return c.next != nil && c.next.Enabled(ctx, level)
}

func (c *Capture) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= c.level.Level() {
		entry := map[string]any{
			"time":    r.Time.UnixMilli(),
			"level":   levelName(r.Level),
			"name":    c.name,
			"message": r.Message,
		}
		for _, a := range c.attrs {
			entry[a.Key] = attrValue(a.Value)
		}
		r.Attrs(func(a slog.Attr) bool {
			entry[c.key(a.Key)] = attrValue(a.Value)
			return true
		})
		c.store.mu.Lock()
		c.store.entries = append(c.store.entries, entry)
		c.store.mu.Unlock()
	}
	if c.next != nil && c.next.Enabled(ctx, r.Level) {
		return c.next.Handle(ctx, r)
	}
	return nil
}

func (c *Capture) key(k string) string {
	if c.group == "" {
		return k
	}
	return c.group + "." + k
}

func (c *Capture) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *c
	cp.attrs = append([]slog.Attr(nil), c.attrs...)
	for _, a := range attrs {
		cp.attrs = append(cp.attrs, slog.Attr{Key: c.key(a.Key), Value: a.Value})
	}
	if c.next != nil {
		cp.next = c.next.WithAttrs(attrs)
	}
	return &cp
}

func (c *Capture) WithGroup(name string) slog.Handler {
	cp := *c
	cp.group = c.key(name)
	if c.next != nil {
		cp.next = c.next.WithGroup(name)
	}
	return &cp
}

// Entries returns a copy of the captured entries in order.
func (c *Capture) Entries() []map[string]any {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return append([]map[string]any(nil), c.store.entries...)
}

// JSON encodes the entries as a single-line JSON array.
func (c *Capture) JSON() (string, error) {
	data, err := json.Marshal(c.Entries())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindDuration, slog.KindTime:
		return v.String()
	case slog.KindGroup:
		out := map[string]any{}
		for _, a := range v.Group() {
			out[a.Key] = attrValue(a.Value)
		}
		return out
	}
	if err, ok := v.Any().(error); ok {
		return err.Error()
	}
	return v.Any()
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warning"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

var _ slog.Handler = (*Capture)(nil)
