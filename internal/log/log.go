// Package log wires the process-wide slog default: JSON records to
// stderr or a file, level chosen by flag.
package log

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// LevelFromString maps the -log-level flag to a slog level. Unknown
// names log errors only.
func LevelFromString(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelError
	}
}

// Writer opens the log destination. An empty path means stderr; open
// failures fall back to stderr rather than aborting the run.
func Writer(logFile string) *os.File {
	if logFile == "" {
		return os.Stderr
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory for '%s': %v; falling back to stderr\n", logFile, err)
		return os.Stderr
	}
	w, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file '%s': %v; falling back to stderr\n", logFile, err)
		return os.Stderr
	}
	return w
}

// Setup installs the default JSON logger and returns the open file so
// the caller can close it on exit.
func Setup(levelName, logFile string) *os.File {
	opts := &slog.HandlerOptions{
		AddSource: false,
		Level:     LevelFromString(levelName),
	}
	w := Writer(logFile)
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, opts)))
	return w
}
