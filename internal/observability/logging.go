// Package observability wires structured logging and Prometheus
// metrics for the runtime.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string
	// Format is "json" (production) or "text".
	Format string
	// Output defaults to stderr.
	Output io.Writer
}

// NewLogger builds the process slog.Logger and installs it as the
// default.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
