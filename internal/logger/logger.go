// Package logger builds the zap logger shared by the cache, stores and CLI.
package logger

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production logger. level is debug, info, warn or error; format is json or console.
func New(level, format string) (*zap.Logger, error) {
	logger, _, err := Build(level, format, FileConfig{})
	return logger, err
}

// Build returns a logger writing to stderr and, when file.Path is set, to a rotating log
// file as well. The closer releases the file after the logger is synced; it is never nil.
func Build(level, format string, file FileConfig) (*zap.Logger, io.Closer, error) {
	zapLevel, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch strings.ToLower(format) {
	case "", "json":
		config.Encoding = "json"
	case "console", "text":
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, nil, fmt.Errorf("unknown log format %q (supported: json, console)", format)
	}

	if file.Path == "" {
		logger, err := config.Build()
		return logger, io.NopCloser(nil), err
	}

	rotating, err := OpenRotatingFile(file)
	if err != nil {
		return nil, nil, err
	}

	// Files always get JSON so they stay machine readable.
	fileEncoder := config.EncoderConfig
	fileEncoder.EncodeLevel = zapcore.LowercaseLevelEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoder), zapcore.AddSync(rotating), config.Level)

	logger, err := config.Build(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
	if err != nil {
		_ = rotating.Close()
		return nil, nil, err
	}
	return logger, rotating, nil
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}
