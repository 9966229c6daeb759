package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

var (
	defaultLogger *slog.Logger
	once          sync.Once
)

// Initialize sets up the structured logger. The log level is taken from the
// "log.level" configuration key; output goes to stderr so it never mixes
// with the terminal display.
func Initialize() {
	once.Do(func() {
		handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: levelFromConfig(),
		})
		defaultLogger = slog.New(handler)
	})
}

// InitializeWriter sets up the logger against an explicit writer. Used by
// tests that want to inspect output.
func InitializeWriter(w io.Writer, level slog.Level) {
	once.Do(func() {
		defaultLogger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	})
}

func levelFromConfig() slog.Level {
	switch strings.ToLower(viper.GetString("log.level")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the default structured logger
func Get() *slog.Logger {
	Initialize()
	return defaultLogger
}

// Debug logs a debug level message
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Info logs an info level message
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Warn logs a warning level message
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs an error level message
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}
