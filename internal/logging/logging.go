package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultDir is where session log files go, relative to the working directory.
const DefaultDir = "log"

type Config struct {
	// SessionID names the log file: <Dir>/<SessionID>.log.
	SessionID string
	Dir       string
	// File enables the JSON file logger.
	File bool
	// Debug adds a human-readable debug logger on stderr.
	Debug bool
}

// New builds the process logger. With neither File nor Debug set it returns a no-op logger.
// The returned func flushes and must be called before exit.
func New(cfg Config) (*zap.Logger, func(), error) {
	var cores []zapcore.Core

	if cfg.File {
		dir := cfg.Dir
		if dir == "" {
			dir = DefaultDir
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log dir: %w", err)
		}
		path := filepath.Join(dir, cfg.SessionID+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(f), zapcore.DebugLevel))
	}

	if cfg.Debug {
		enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zapcore.DebugLevel))
	}

	if len(cores) == 0 {
		return zap.NewNop(), func() {}, nil
	}

	logger := zap.New(zapcore.NewTee(cores...)).With(zap.String("session_id", cfg.SessionID))
	return logger, func() { _ = logger.Sync() }, nil
}
