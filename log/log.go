package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger provides a simple logging interface with formatted output methods
type Logger struct {
	logger *slog.Logger
}

// Log is the global logger instance
var Log = New(os.Stdout, levelFromEnv())

// New creates a Logger writing text records to w at the given level
func New(w io.Writer, level slog.Level) *Logger {
	return &Logger{
		logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: level,
		})),
	}
}

// SetLevel replaces the global logger with one at the given level
func SetLevel(level slog.Level) {
	Log = New(os.Stdout, level)
}

// ParseLevel maps debug/info/warn/error to a slog level (info when unknown)
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func levelFromEnv() slog.Level {
	return ParseLevel(os.Getenv("AGENTDESK_LOG_LEVEL"))
}

// With returns a logger that attaches the given key/value pairs to every record
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

// Infof logs an info level message with formatting
func (l *Logger) Infof(format string, args ...any) {
	l.logger.Info(sprintf(format, args...))
}

// Warnf logs a warning level message with formatting
func (l *Logger) Warnf(format string, args ...any) {
	l.logger.Warn(sprintf(format, args...))
}

// Errorf logs an error level message with formatting
func (l *Logger) Errorf(format string, args ...any) {
	l.logger.Error(sprintf(format, args...))
}

// Debugf logs a debug level message with formatting
func (l *Logger) Debugf(format string, args ...any) {
	l.logger.Debug(sprintf(format, args...))
}

// sprintf is a helper function to format strings
func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
