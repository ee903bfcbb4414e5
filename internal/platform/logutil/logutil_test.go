package logutil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_Formats(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "json", slog.LevelInfo).Info("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected json output, got %q", buf.String())
	}

	buf.Reset()
	New(&buf, "text", slog.LevelInfo).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("expected text output, got %q", buf.String())
	}

	buf.Reset()
	New(&buf, "text", slog.LevelWarn).Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn level, got %q", buf.String())
	}
}

func TestNoopIfNil(t *testing.T) {
	if NoopIfNil(nil) != Noop() {
		t.Error("expected noop logger for nil input")
	}
	l := slog.Default()
	if NoopIfNil(l) != l {
		t.Error("expected the same logger back")
	}
}
