package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewDefault builds the process logger writing JSON lines to stdout.
//
// Parameters:
//   - level: debug / info / warn / error; unknown values fall back to info
func NewDefault(level string) *slog.Logger {
	return New(os.Stdout, level, true)
}

// New builds a logger on w. When jsonFormat is false a text handler is used,
// which is easier to read while running locally.
func New(w io.Writer, level string, jsonFormat bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if jsonFormat {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ParseLevel maps a config string onto a slog level.
func ParseLevel(level string) slog.Level {
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

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}
