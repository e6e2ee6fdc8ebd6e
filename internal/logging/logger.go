package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var level atomic.Value // slog.Level

func init() {
	level.Store(slog.LevelInfo)
}

// SetLevel sets the process-wide threshold ("debug", "info", "warn", "error")
func SetLevel(name string) {
	level.Store(ParseLevel(name))
}

// ParseLevel maps a LOG_LEVEL value to a slog level, defaulting to info
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type levelVar struct{}

func (levelVar) Level() slog.Level { return level.Load().(slog.Level) }

// Logger provides structured logging for the worker
type Logger struct {
	prefix string
	logger *slog.Logger
}

// NewLogger creates a new logger with a prefix
func NewLogger(prefix string) *Logger {
	return NewLoggerTo(os.Stdout, prefix)
}

// NewLoggerTo writes to w instead of stdout
func NewLoggerTo(w io.Writer, prefix string) *Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar{}})
	return &Logger{
		prefix: prefix,
		logger: slog.New(handler).With("component", prefix),
	}
}

// With returns a child logger carrying extra key-value pairs
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{prefix: l.prefix, logger: l.logger.With(keysAndValues...)}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logWithKV(slog.LevelInfo, msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logWithKV(slog.LevelWarn, msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logWithKV(slog.LevelError, msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logWithKV(slog.LevelDebug, msg, keysAndValues...)
}

func (l *Logger) logWithKV(lvl slog.Level, msg string, keysAndValues ...interface{}) {
	// Odd trailing key is dropped, as before
	if len(keysAndValues)%2 == 1 {
		keysAndValues = keysAndValues[:len(keysAndValues)-1]
	}
	l.logger.Log(context.Background(), lvl, msg, keysAndValues...)
}

// AsynqLogger adapts the logger to asynq's variadic Logger interface
func (l *Logger) AsynqLogger() *AsynqAdapter {
	return &AsynqAdapter{l: l}
}

// AsynqAdapter satisfies asynq.Logger
type AsynqAdapter struct {
	l *Logger
}

func (a *AsynqAdapter) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a *AsynqAdapter) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a *AsynqAdapter) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a *AsynqAdapter) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }

func (a *AsynqAdapter) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
