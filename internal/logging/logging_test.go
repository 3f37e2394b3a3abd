package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level   string
		debugOn bool
		infoOn  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"", false, true},
		{"warn", false, false},
		{"error", false, false},
	}

	for _, tt := range tests {
		logger := New(tt.level, "text")
		if logger == nil {
			t.Fatalf("New(%q) returned nil", tt.level)
		}
		ctx := context.Background()
		if got := logger.Enabled(ctx, slog.LevelDebug); got != tt.debugOn {
			t.Errorf("level %q: debug enabled = %v, want %v", tt.level, got, tt.debugOn)
		}
		if got := logger.Enabled(ctx, slog.LevelInfo); got != tt.infoOn {
			t.Errorf("level %q: info enabled = %v, want %v", tt.level, got, tt.infoOn)
		}
	}
}

func TestNew_JSONFormat(t *testing.T) {
	if logger := New("info", "json"); logger == nil {
		t.Fatal("expected non-nil logger for JSON format")
	}
}

func TestRequestIDPlumbing(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("expected req-123, got %q", id)
	}
}

func TestLoggerFromContext(t *testing.T) {
	ctx := context.Background()

	// Falls back to default when none stored
	if FromContext(ctx) == nil {
		t.Fatal("expected default logger")
	}

	logger := New("debug", "text")
	ctx = WithLogger(ctx, logger)
	if FromContext(ctx) != logger {
		t.Error("expected stored logger to round-trip")
	}

	// L attaches the request ID when present
	ctx = WithRequestID(ctx, "req-9")
	if L(ctx) == nil {
		t.Fatal("expected non-nil contextual logger")
	}
}
