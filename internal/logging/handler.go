// Package logging builds the process-wide slog handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Format values accepted by New.
const (
	FormatAuto   = "auto"
	FormatPretty = "pretty"
	FormatJSON   = "json"
)

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
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

// New returns a colorized tint handler for terminals (or format=pretty)
// and a JSON handler otherwise.
func New(w io.Writer, level, format string) slog.Handler {
	lvl := ParseLevel(level)
	if usePretty(w, format) {
		return tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
}

// Setup installs New(os.Stderr, ...) as the default logger and returns it.
func Setup(level, format string) *slog.Logger {
	logger := slog.New(New(os.Stderr, level, format))
	slog.SetDefault(logger)
	return logger
}

func usePretty(w io.Writer, format string) bool {
	switch format {
	case FormatPretty:
		return true
	case FormatJSON:
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
