// Package logging configures the process-wide slog logger. Daemons log
// JSON; interactive CLI use gets text.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup installs and returns the default logger. level is one of
// debug/info/warn/error (unknown values fall back to info); jsonOutput
// selects the JSON handler used by the daemons.
func Setup(level string, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
