package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LogFunc adapts a plain (level, message) callback into a *slog.Logger.
// Attributes are appended to the message as key=value pairs.
func LogFunc(fn func(level slog.Level, msg string)) *slog.Logger {
	return slog.New(&funcHandler{fn: fn})
}

type funcHandler struct {
	fn    func(level slog.Level, msg string)
	attrs []slog.Attr
	group string
}

func (h *funcHandler) Enabled(context.Context, slog.Level) bool {
	return h.fn != nil
}

func (h *funcHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)

	write := func(a slog.Attr) {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		fmt.Fprintf(&b, " %s=%v", key, a.Value.Any())
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(a)
		return true
	})

	h.fn(r.Level, b.String())
	return nil
}

func (h *funcHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *funcHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}
