// Package logging builds the slog logger every binary creates once in main.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/animus-labs/animus-runs/internal/platform/env"
)

type Config struct {
	Level  string
	Format string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Level:  env.String("RUNS_LOG_LEVEL", "info"),
		Format: env.String("RUNS_LOG_FORMAT", "json"),
	}
	if _, err := ParseLevel(cfg.Level); err != nil {
		return Config{}, err
	}
	switch strings.ToLower(cfg.Format) {
	case "json", "text":
	default:
		return Config{}, fmt.Errorf("RUNS_LOG_FORMAT must be json or text (got %q)", cfg.Format)
	}
	return cfg, nil
}

// ParseLevel maps run log levels (debug, info, warning, error) to slog levels.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

// New returns a JSON logger unless format is "text". Unknown levels fall back to info.
func New(w io.Writer, level string, format string) *slog.Logger {
	lvl, _ := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func FromConfig(w io.Writer, cfg Config) *slog.Logger {
	return New(w, cfg.Level, cfg.Format)
}

// Discard drops everything; used where no logger was supplied.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
