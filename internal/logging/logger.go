// Package logging provides the structured logger used for the
// engine's internal event log (compaction runs, duplicate-insert
// warnings, retry exhaustion, dropped tasks, schema flags — spec.md
// §7). Operator-facing startup/CLI banners stay on plain fmt.Printf in
// cmd/statsd; this package is only for the engine's own event log.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StatsLogger is the logging interface every engine component takes,
// so tests can substitute zap's observer core or a no-op.
type StatsLogger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, err error, fields ...zap.Field)
	With(fields ...zap.Field) StatsLogger
	Sync() error
}

type Logger struct {
	logger *zap.Logger
}

// Config mirrors the shape internal/config loads from YAML.
type Config struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Output      string `yaml:"output"`
	Development bool   `yaml:"development"`
}

func New(cfg Config) (StatsLogger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	var encoderCfg zapcore.EncoderConfig
	if cfg.Development {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderCfg = zap.NewProductionEncoderConfig()
	}
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	case "console", "":
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}

	var sink zapcore.WriteSyncer
	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
		sink = zapcore.AddSync(os.Stdout)
	case "stderr":
		sink = zapcore.AddSync(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open %q: %w", cfg.Output, err)
		}
		sink = zapcore.AddSync(f)
	}

	core := zapcore.NewCore(encoder, sink, level)
	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return &Logger{logger: zap.New(core, opts...)}, nil
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() StatsLogger {
	return &Logger{logger: zap.NewNop()}
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.logger.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.logger.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.logger.Warn(msg, fields...) }

func (l *Logger) Error(msg string, err error, fields ...zap.Field) {
	all := make([]zap.Field, 0, len(fields)+1)
	if err != nil {
		all = append(all, zap.Error(err))
	}
	all = append(all, fields...)
	l.logger.Error(msg, all...)
}

func (l *Logger) With(fields ...zap.Field) StatsLogger {
	return &Logger{logger: l.logger.With(fields...)}
}

func (l *Logger) Sync() error { return l.logger.Sync() }
