package logutil

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerRenamesTraceLevel(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(&buf, LevelTrace)
	logger.Log(context.Background(), LevelTrace, "selector scores", "frames", 4)

	out := buf.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("expected TRACE level in %q", out)
	}
	if !strings.Contains(out, "selector scores") {
		t.Errorf("expected message in %q", out)
	}
	if !strings.Contains(out, "logutil_test.go") {
		t.Errorf("expected source basename in %q", out)
	}
}

func TestNewLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(&buf, slog.LevelInfo)
	logger.Debug("hidden")

	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}
