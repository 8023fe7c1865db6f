// Package logger provides the shared structured logging setup.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// New creates the JSON logger the previewplane services share. component is
// attached to every line so controller, worker and sweeper output can be
// told apart once aggregated. The level comes from PREVIEWPLANE_LOG_LEVEL
// (debug, info, warn, error; default info).
func New(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: levelFromEnv(os.Getenv("PREVIEWPLANE_LOG_LEVEL")),
	})
	return slog.New(handler).With("component", component)
}

func levelFromEnv(value string) slog.Level {
	switch strings.ToLower(value) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
