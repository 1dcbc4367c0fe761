// Package logging builds the zap loggers used across conductor.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Format is "console" or "json". Defaults to console.
	Format string
	// File, when set, receives log output instead of stderr.
	File string
}

// New builds a logger from opts. Parent directories of File are created.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")

	var enc zapcore.Encoder
	switch opts.Format {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	sink := zapcore.Lock(os.Stderr)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sink = zapcore.Lock(f)
	}

	return zap.New(zapcore.NewCore(enc, sink, level)), nil
}

// FileForRepo returns the log path for a run in the repo's .conductor/logs directory.
func FileForRepo(repoPath string, now time.Time) string {
	name := fmt.Sprintf("conductor-%s.log", now.Format("20060102-150405"))
	return filepath.Join(repoPath, ".conductor", "logs", name)
}

// ForRepo builds a logger writing into the repo's .conductor/logs directory.
// Falls back to a no-op logger if the file cannot be opened.
func ForRepo(repoPath, level string) *zap.Logger {
	logger, err := New(Options{Level: level, Format: "json", File: FileForRepo(repoPath, time.Now())})
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
