// Package logger builds the process-wide slog logger. Records go to
// stdout as JSON and carry a service attribute so aggregated output
// from the API server and the workers stays attributable.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/devgodzilla/devgodzilla/internal/config"
)

// New builds a JSON logger at the configured level.
func New(cfg config.Logging) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	return slog.New(h).With("service", cfg.Service)
}

// parseLevel maps a config level string to its slog level. Matching is
// case-insensitive; anything unrecognized means info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
