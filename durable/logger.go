package durable

import (
	"context"
	"log/slog"
)

// modeAwareHandler drops records below Warn while replaying, so that user log
// lines emitted by re-executed workflow code appear once per execution.
type modeAwareHandler struct {
	inner    slog.Handler
	replayed func() bool
}

func newModeAwareHandler(inner slog.Handler, replayed func() bool) slog.Handler {
	return &modeAwareHandler{inner: inner, replayed: replayed}
}

func (h *modeAwareHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < slog.LevelWarn && h.replayed() {
		return false
	}
	return h.inner.Enabled(ctx, level)
}

func (h *modeAwareHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *modeAwareHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &modeAwareHandler{inner: h.inner.WithAttrs(attrs), replayed: h.replayed}
}

func (h *modeAwareHandler) WithGroup(name string) slog.Handler {
	return &modeAwareHandler{inner: h.inner.WithGroup(name), replayed: h.replayed}
}
