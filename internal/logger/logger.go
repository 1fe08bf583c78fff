// Package logger builds the structured logger used across loopgate.
package logger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the log output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config controls logger construction.
type Config struct {
	Format    Format
	Level     string
	AddSource bool
	Writer    io.Writer
}

// New returns a slog.Logger for cfg. Writer defaults to stderr.
func New(cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch Format(strings.ToLower(string(cfg.Format))) {
	case FormatText, "":
		handler = slog.NewTextHandler(cfg.Writer, opts)
	case FormatJSON:
		handler = slog.NewJSONHandler(cfg.Writer, opts)
	default:
		return nil, errors.New("unsupported log format: " + string(cfg.Format))
	}

	return slog.New(handler), nil
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "err", "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("unsupported log level: " + s)
	}
}

// WithComponent tags l with a component name. A nil logger yields a logger
// that discards everything.
func WithComponent(l *slog.Logger, component string) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l.With(slog.String("component", component))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
