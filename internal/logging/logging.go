// Package logging provides structured logging for the reconciliation service
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
)

// FileOptions configures rotated file output alongside stdout.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Option customizes the logger built by New.
type Option func(*settings)

type settings struct {
	out  io.Writer
	file *FileOptions
}

// WithWriter replaces stdout as the primary sink. Mostly useful in tests.
func WithWriter(w io.Writer) Option {
	return func(s *settings) { s.out = w }
}

// WithFile tees log output into a size-rotated file.
func WithFile(opts FileOptions) Option {
	return func(s *settings) {
		if opts.Path != "" {
			s.file = &opts
		}
	}
}

// New creates a new structured logger
func New(level string, format string, opts ...Option) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	s := settings{out: os.Stdout}
	for _, opt := range opts {
		opt(&s)
	}

	out := s.out
	if s.file != nil {
		rotated := &lumberjack.Logger{
			Filename:   s.file.Path,
			MaxSize:    s.file.MaxSizeMB,
			MaxBackups: s.file.MaxBackups,
			MaxAge:     s.file.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(s.out, rotated)
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	return slog.New(handler)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request ID from context
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is a convenience function to get a logger with request context
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if reqID := RequestID(ctx); reqID != "" {
		return logger.With("request_id", reqID)
	}
	return logger
}

// Discard returns a logger that drops everything. Used by tests and tools.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
