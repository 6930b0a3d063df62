package utils

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
	WithDefaultArgs(ctx context.Context, args ...any) context.Context
}

type DefaultLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger(level slog.Level) *DefaultLogger {
	return NewWriterLogger(os.Stderr, level)
}

func NewWriterLogger(w io.Writer, level slog.Level) *DefaultLogger {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))

	return &DefaultLogger{logger: logger}
}

type FileLogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// NewFileLogger writes to a size-rotated file. The returned closer
// releases the file.
func NewFileLogger(cfg FileLogConfig, level slog.Level) (*DefaultLogger, io.Closer) {
	lj := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return NewWriterLogger(lj, level), lj
}

const prefix = "[dds] "

func (d *DefaultLogger) Debug(msg string, args ...any) {
	d.logger.Debug(prefix+msg, args...)
}

func (d *DefaultLogger) Info(msg string, args ...any) {
	d.logger.Info(prefix+msg, args...)
}

func (d *DefaultLogger) Warn(msg string, args ...any) {
	d.logger.Warn(prefix+msg, args...)
}

func (d *DefaultLogger) Error(msg string, args ...any) {
	d.logger.Error(prefix+msg, args...)
}

var DefaultArgs int

func getDefaultArgs(ctx context.Context) []any {
	ctxargs := ctx.Value(&DefaultArgs)
	if ctxargs == nil {
		return nil
	}
	return ctxargs.([]any)
}

func WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	dargs := getDefaultArgs(ctx)
	merged := make([]any, 0, len(dargs)+len(args))
	merged = append(merged, dargs...)
	merged = append(merged, args...)
	return context.WithValue(ctx, &DefaultArgs, merged)
}

func (d *DefaultLogger) WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	return WithDefaultArgs(ctx, args...)
}

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	args = append(args, getDefaultArgs(ctx)...)
	d.logger.Debug(prefix+msg, args...)
}

func (d *DefaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	args = append(args, getDefaultArgs(ctx)...)
	d.logger.Info(prefix+msg, args...)
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	args = append(args, getDefaultArgs(ctx)...)
	d.logger.Warn(prefix+msg, args...)
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	args = append(args, getDefaultArgs(ctx)...)
	d.logger.Error(prefix+msg, args...)
}
