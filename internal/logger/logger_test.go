package logger

import (
	"log/slog"
	"testing"

	"github.com/devgodzilla/devgodzilla/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{" Error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewHonorsLevel(t *testing.T) {
	log := New(config.Logging{Level: "error", Service: "devgodzilla-test"})
	if log.Enabled(t.Context(), slog.LevelWarn) {
		t.Error("warn enabled on an error-level logger")
	}
	if !log.Enabled(t.Context(), slog.LevelError) {
		t.Error("error not enabled on an error-level logger")
	}
}
