package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestFromContextFallsBack(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	fallback := slog.New(slog.NewTextHandler(&buf, nil))

	FromContext(context.Background(), fallback).Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected fallback logger to be used, got %q", buf.String())
	}

	if FromContext(context.Background(), nil) == nil {
		t.Fatal("expected a discard logger")
	}
}

func TestWithAddsAttributes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx, _ := With(context.Background(), base, "order_id", int64(42))
	FromContext(ctx, nil).Info("transition")

	out := buf.String()
	if !strings.Contains(out, `"order_id":42`) || !strings.Contains(out, `"msg":"transition"`) {
		t.Fatalf("unexpected log output %q", out)
	}
}

func TestNewSelectsFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	New(&buf, slog.LevelInfo, "JSON").Info("ready", "port", "8080")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected json output, got %q", buf.String())
	}

	buf.Reset()
	New(&buf, slog.LevelWarn, "text").Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %q", buf.String())
	}
}
