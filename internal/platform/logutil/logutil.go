// Package logutil provides nil-safe logger helpers and logger construction.
package logutil

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below debug; slog has no trace level of its own.
const LevelTrace = slog.LevelDebug - 4

// noop is a package-level discard logger, created once.
var noop = slog.New(slog.NewTextHandler(io.Discard, nil))

// Noop returns a logger that discards all output.
func Noop() *slog.Logger { return noop }

// NoopIfNil returns l when non-nil, otherwise a discard logger.
// Intended as the first line in constructors that accept *slog.Logger.
func NoopIfNil(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return noop
}

// ParseLevel maps a config level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: must be one of trace, debug, info, warn, error", s)
	}
}

// New builds a logger writing to w in the given format ("json" or "text").
// Unknown formats fall back to json.
func New(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
