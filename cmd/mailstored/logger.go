package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogotel "github.com/remychantenay/slog-otel"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rbaliyan/mailstore/internal/config"
)

// newLogger builds a JSON logger that stamps trace and span ids on records
// logged with a span in the context. A configured file is rotated and also
// mirrored to stdout.
func newLogger(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, err
		}
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = io.MultiWriter(rotating, os.Stdout)
		closer = rotating
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(slogotel.OtelHandler{Next: handler}), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
