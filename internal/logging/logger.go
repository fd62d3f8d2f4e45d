package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation policy for file logs.
const (
	maxLogSizeMB  = 20
	maxLogBackups = 5
	maxLogAgeDays = 28
)

// Options select the log format, verbosity and destination.
type Options struct {
	// Environment controls the format: "production" logs JSON, anything
	// else logs human-readable text.
	Environment string

	// Level is the minimum level: debug, info, warn or error. Unknown
	// values fall back to info.
	Level string

	// File, when set, receives the logs with size-based rotation instead
	// of stdout.
	File string
}

// NewLogger creates a structured logger for the given options.
// Production uses JSON format, development uses human-readable text.
func NewLogger(opts Options) *slog.Logger {
	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxLogSizeMB,
			MaxBackups: maxLogBackups,
			MaxAge:     maxLogAgeDays,
			Compress:   true,
		}
	}

	handlerOpts := &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
	}

	var handler slog.Handler
	if opts.Environment == "production" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	return slog.New(handler)
}

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
