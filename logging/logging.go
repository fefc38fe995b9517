// Package logging builds the process-wide zap logger. Constructed once
// in main and passed down explicitly; no package-level logger exists
// anywhere else in the repo.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log level and an optional rotated file sink
// alongside stdout.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string

	// File, when non-empty, duplicates output into a size-rotated log
	// file at that path.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds the logger. Unparseable levels fall back to info.
func New(cfg Config) *zap.Logger {
	level := zapcore.InfoLevel
	_ = level.Set(cfg.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), level),
	}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(rotated), level))
	}

	return zap.New(zapcore.NewTee(cores...))
}
