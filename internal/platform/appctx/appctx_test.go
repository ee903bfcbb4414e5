package appctx

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestWithLogger_And_LoggerFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(buf, nil))

	ctx := WithLogger(context.Background(), logger)

	got, ok := LoggerFromContext(ctx)
	if !ok {
		t.Fatal("Expected LoggerFromContext to return true")
	}
	if got != logger {
		t.Error("Expected same logger instance")
	}
}

func TestLoggerFromContext_NilLogger(t *testing.T) {
	ctx := context.WithValue(context.Background(), loggerKey{}, (*slog.Logger)(nil))

	got, ok := LoggerFromContext(ctx)
	if ok {
		t.Error("Expected LoggerFromContext to return false for nil logger")
	}
	if got != nil {
		t.Error("Expected nil logger")
	}
	if GetLogger(ctx) != slog.Default() {
		t.Error("Expected GetLogger to fall back to slog.Default()")
	}
}

func TestWithInvite_AddsInviteID(t *testing.T) {
	buf := &bytes.Buffer{}
	base := slog.New(slog.NewTextHandler(buf, nil))

	ctx, l := WithInvite(context.Background(), base, "inv-1")
	l.Info("step done")

	if !strings.Contains(buf.String(), "invite_id=inv-1") {
		t.Errorf("expected invite_id in output, got %q", buf.String())
	}
	if GetLogger(ctx) != l {
		t.Error("expected context logger to be the invite logger")
	}
}

func TestWithInvite_PrefersContextLogger(t *testing.T) {
	reqBuf := &bytes.Buffer{}
	baseBuf := &bytes.Buffer{}
	reqLogger := slog.New(slog.NewTextHandler(reqBuf, nil)).With("request_id", "r1")
	base := slog.New(slog.NewTextHandler(baseBuf, nil))

	ctx := WithLogger(context.Background(), reqLogger)
	_, l := WithInvite(ctx, base, "inv-2")
	l.Info("x")

	if baseBuf.Len() != 0 {
		t.Error("expected base logger to be unused")
	}
	out := reqBuf.String()
	if !strings.Contains(out, "request_id=r1") || !strings.Contains(out, "invite_id=inv-2") {
		t.Errorf("expected both request_id and invite_id, got %q", out)
	}
}

func TestActor(t *testing.T) {
	if Actor(context.Background()) != "" {
		t.Error("expected empty actor")
	}
	ctx := WithActor(context.Background(), "ops")
	if Actor(ctx) != "ops" {
		t.Errorf("expected actor ops, got %q", Actor(ctx))
	}
}
