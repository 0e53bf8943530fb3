// Package convlog carries conversation identifiers through a context so that
// every log line written while handling one chat can be correlated.
package convlog

import (
	"context"
	"log/slog"
)

// Fields identifies the conversation a log line belongs to. Empty fields
// are omitted from output.
type Fields struct {
	BotID        string
	DialogID     string
	Platform     string
	ChatID       string
	ScenarioID   string
	TransitionID string
}

type ctxKey struct{}

// With returns a context carrying f merged over any fields already present.
func With(ctx context.Context, f Fields) context.Context {
	cur := From(ctx)
	merge(&cur.BotID, f.BotID)
	merge(&cur.DialogID, f.DialogID)
	merge(&cur.Platform, f.Platform)
	merge(&cur.ChatID, f.ChatID)
	merge(&cur.ScenarioID, f.ScenarioID)
	merge(&cur.TransitionID, f.TransitionID)
	return context.WithValue(ctx, ctxKey{}, cur)
}

// From returns the fields stored in ctx.
func From(ctx context.Context) Fields {
	f, _ := ctx.Value(ctxKey{}).(Fields)
	return f
}

// Attrs renders the fields as slog attributes.
func (f Fields) Attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 6)
	add := func(k, v string) {
		if v != "" {
			attrs = append(attrs, slog.String(k, v))
		}
	}
	add("bot_id", f.BotID)
	add("dialog_id", f.DialogID)
	add("platform", f.Platform)
	add("chat_id", f.ChatID)
	add("scenario_id", f.ScenarioID)
	add("transition_id", f.TransitionID)
	return attrs
}

// Logger returns the default logger annotated with the conversation fields.
func Logger(ctx context.Context) *slog.Logger {
	attrs := From(ctx).Attrs()
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return slog.Default().With(args...)
}

// Handler decorates records logged with a context carrying Fields, so plain
// slog.InfoContext calls pick them up.
type Handler struct {
	inner slog.Handler
}

// NewHandler wraps inner.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := From(ctx).Attrs(); len(attrs) > 0 {
		r = r.Clone()
		r.AddAttrs(attrs...)
	}
	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}

func merge(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
