// Package logger builds the process-wide structured logger.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/dontdude/goxec-engine/internal/config"
)

// NewFromConfig builds the logger described by cfg.Logging.
func NewFromConfig(cfg *config.Config) (*slog.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level)
}

// New creates a logger writing to stdout. Mode "development" produces colored
// human-readable lines, "production" produces JSON.
func New(mode, level string) (*slog.Logger, error) {
	return newWithWriter(os.Stdout, mode, level)
}

func newWithWriter(w io.Writer, mode, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error'", level)
	}

	var handler slog.Handler
	switch mode {
	case "development":
		handler = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.TimeOnly})
	case "production":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	return slog.New(handler), nil
}
