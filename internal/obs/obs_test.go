package obs

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestNewLoggerJSONFormat(t *testing.T) {
	logger := NewLogger("debug", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.Info("hello")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Fatalf("expected json-formatted log line, got %q", buf.String())
	}
}

func TestNewLoggerInvalidLevelFallsBackToInfo(t *testing.T) {
	logger := NewLogger("not-a-level", "text")
	if logger.GetLevel().String() != "info" {
		t.Fatalf("expected info level fallback, got %s", logger.GetLevel())
	}
}

func TestDisabledTracerProviderIsNoop(t *testing.T) {
	cfg := DefaultTracingConfig()
	tp, err := NewTracerProvider(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("NewTracerProvider: %v", err)
	}
	if tp.Tracer() == nil {
		t.Fatal("expected a non-nil no-op tracer")
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
