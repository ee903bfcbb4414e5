// Package appctx provides context-based utilities for cross-cutting concerns.
// A request or invite scoped logger travels in the context, built on slog.
package appctx

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

type actorKey struct{}

// WithLogger attaches a logger to the context.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// LoggerFromContext returns the logger from the context (if present).
func LoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	l, ok := ctx.Value(loggerKey{}).(*slog.Logger)
	return l, ok && l != nil
}

// GetLogger returns the logger from the context, or slog.Default() if missing.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := LoggerFromContext(ctx); ok {
		return l
	}
	return slog.Default()
}

// WithInvite returns a context whose logger carries invite_id.
// base is used when the context has no logger yet.
func WithInvite(ctx context.Context, base *slog.Logger, inviteID string) (context.Context, *slog.Logger) {
	l, ok := LoggerFromContext(ctx)
	if !ok {
		l = base
	}
	if l == nil {
		l = slog.Default()
	}
	l = l.With("invite_id", inviteID)
	return WithLogger(ctx, l), l
}

// WithActor records the authenticated administrator name.
func WithActor(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, actorKey{}, name)
}

// Actor returns the administrator name set by WithActor, or "".
func Actor(ctx context.Context) string {
	s, _ := ctx.Value(actorKey{}).(string)
	return s
}
