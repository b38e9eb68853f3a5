// Package logging provides structured logging for the payload supervisor
// and the processes it manages.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a logger writing to stderr. Stdout is left alone: the
// agent answers on it and the dashboard draws on it.
// Format is "json" (default) or "text"; level is "debug", "info", "warn"
// or "error". verbose forces debug and adds source locations.
func NewLogger(format, level string, verbose bool) *slog.Logger {
	lvl := parseLevel(level)
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(newHandler(os.Stderr, format, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}))
}

// NewLoggerWithWriter creates a logger that writes to w.
// Useful for testing and for silencing output under the TUI.
func NewLoggerWithWriter(w io.Writer, format, level string) *slog.Logger {
	return slog.New(newHandler(w, format, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// parseLevel converts a string level to slog.Level. Unknown names are info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Component returns a child logger tagged with the component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("component", name)
}

// SetDefault sets the default logger for the slog package.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
