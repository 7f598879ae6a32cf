// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/whep-bench/whepbench/internal/config"
)

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New returns a logger writing to w in the configured format.
func New(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), nil
}

// Open returns a logger for cfg. When the terminal is owned by something
// else (the dashboard), output goes to cfg.File or is discarded. The returned
// close func is never nil.
func Open(cfg config.LogConfig, terminalBusy bool) (*slog.Logger, func() error, error) {
	noop := func() error { return nil }

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, noop, fmt.Errorf("open log file: %w", err)
		}
		logger, err := New(cfg, f)
		if err != nil {
			f.Close()
			return nil, noop, err
		}
		return logger, f.Close, nil
	}

	if terminalBusy {
		if _, err := ParseLevel(cfg.Level); err != nil {
			return nil, noop, err
		}
		return slog.New(slog.DiscardHandler), noop, nil
	}

	logger, err := New(cfg, os.Stderr)
	return logger, noop, err
}
