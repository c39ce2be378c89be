// Package logging provides the unified logging surface for the test
// environment, backed by slog.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	globalLogger *slog.Logger
	globalMu     sync.RWMutex

	defaultOptions = &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
)

func init() {
	globalLogger = slog.New(slog.NewTextHandler(os.Stderr, defaultOptions))
}

// SetGlobalLogger replaces the global logger instance.
func SetGlobalLogger(logger *slog.Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the global logger instance.
func GetGlobalLogger() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	GetGlobalLogger().Debug(msg, args...)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	GetGlobalLogger().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	GetGlobalLogger().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	GetGlobalLogger().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return GetGlobalLogger().With(args...)
}

// Component returns a logger with a component field.
func Component(name string) *slog.Logger {
	return With("component", name)
}

// NewLogger creates a new text logger with the specified writer and options.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = defaultOptions
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetOutput redirects the global logger to the given writer. Useful for
// silencing or capturing log output in tests.
func SetOutput(w io.Writer) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = slog.New(slog.NewTextHandler(w, defaultOptions))
}
