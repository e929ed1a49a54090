package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func newBufferLogger(buf *bytes.Buffer, level Level, f Formatter) Logger {
	return NewLogger(WithLevel(level), WithFormatter(f), WithOutput(NewWriterOutput(buf)))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf, WarnLevel, &TextFormatter{})
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn missing: %q", out)
	}
}

func TestWithFieldsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf, DebugLevel, &JSONFormatter{})
	l.With(Component("outbox")).Info("dropped", Int("attempts", 3), Err(errors.New("boom")))

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if got["component"] != "outbox" {
		t.Fatalf("component = %v", got["component"])
	}
	if got["error"] != "boom" {
		t.Fatalf("error = %v", got["error"])
	}
	if got["msg"] != "dropped" || got["level"] != "INFO" {
		t.Fatalf("unexpected entry %v", got)
	}
}

func TestSetLevelSharedWithChildren(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf, InfoLevel, &TextFormatter{})
	child := l.WithComponent("fleet")
	l.SetLevel(ErrorLevel)
	child.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("child should observe parent level change, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": DebugLevel, "INFO": InfoLevel, "warning": WarnLevel, "error": ErrorLevel}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestApplyConfigRejectsUnknownFormat(t *testing.T) {
	if _, err := ApplyConfig(&Config{Format: "xml"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	base := newBufferLogger(&buf, InfoLevel, &TextFormatter{}).(*BaseLogger)
	base.slogLogger = slog.New(base.slogLogger.Handler().(*bridgeHandler).withRedactions([]string{"payload"}))
	base.Info("send", Str("payload", "secret"))
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("payload not redacted: %q", buf.String())
	}
}

func TestGroupsPrefixKeys(t *testing.T) {
	var buf bytes.Buffer
	base := newBufferLogger(&buf, InfoLevel, &JSONFormatter{}).(*BaseLogger)
	sl := base.slogLogger.WithGroup("fleet").With("kind", "bucket")
	sl.Info("tick", slog.Group("queue", slog.Int("pending", 2)))

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if got["fleet.kind"] != "bucket" {
		t.Fatalf("fleet.kind = %v in %v", got["fleet.kind"], got)
	}
	if got["fleet.queue.pending"] != float64(2) {
		t.Fatalf("fleet.queue.pending = %v in %v", got["fleet.queue.pending"], got)
	}
}

func TestWithContextAddsSpan(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf, InfoLevel, &JSONFormatter{})
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = ContextWith(ctx, OperationKey, "claim")
	l.WithContext(ctx).Info("reserved")

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if got[TraceIDKey] != sc.TraceID().String() || got[SpanIDKey] != sc.SpanID().String() {
		t.Fatalf("span ids missing: %v", got)
	}
	if got[OperationKey] != "claim" {
		t.Fatalf("operation = %v", got[OperationKey])
	}
}
