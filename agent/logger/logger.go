// Package logger builds the agent's zap logger: a console core for
// interactive runs plus an optional JSON core writing to a rotating file.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	// Console enables the human readable stderr core.
	Console bool
}

// ParseLevel parses log level from string. Unknown values fall back to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New returns the logger and a cleanup func that syncs and closes the file.
func New(opts Options) (*zap.Logger, func(), error) {
	level := zap.NewAtomicLevelAt(ParseLevel(opts.Level))

	var cores []zapcore.Core
	var file *RotatingFile

	if opts.File != "" {
		var fileOpts []Option
		if opts.MaxSizeMB > 0 {
			fileOpts = append(fileOpts, WithMaxSize(int64(opts.MaxSizeMB)*1024*1024))
		}
		if opts.MaxBackups > 0 {
			fileOpts = append(fileOpts, WithMaxBackups(opts.MaxBackups))
		}
		f, err := NewRotatingFile(opts.File, fileOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f

		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level))
	}

	if opts.Console || file == nil {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level))
	}

	log := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	cleanup := func() {
		_ = log.Sync()
		if file != nil {
			_ = file.Close()
		}
	}
	return log, cleanup, nil
}
