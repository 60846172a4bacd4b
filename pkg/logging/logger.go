// Package logging wraps log/slog with the handler selection used by tordnsd.
// Components receive a *Logger at construction; the package-level logger is
// only installed by main for code that cannot be handed one.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"tordnsd/pkg/config"
)

// Logger wraps slog.Logger with tordnsd specific functionality
type Logger struct {
	*slog.Logger
	cfg *config.LoggingConfig
}

// New creates a new logger from configuration
func New(cfg *config.LoggingConfig) (*Logger, error) {
	var output io.Writer
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
		output = f
	default:
		output = os.Stdout
	}

	return NewWithWriter(output, cfg), nil
}

// NewWithWriter builds a logger that writes to w using cfg's level and format.
func NewWithWriter(w io.Writer, cfg *config.LoggingConfig) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		cfg:    cfg,
	}
}

// NewWithHandler wraps an arbitrary slog.Handler, e.g. a capturing handler in tests.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{
		Logger: slog.New(h),
		cfg:    &config.LoggingConfig{Level: "debug", Format: "custom"},
	}
}

// NewDefault creates a logger with sensible defaults (info level, text format, stdout)
func NewDefault() *Logger {
	return NewWithWriter(os.Stdout, &config.LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	})
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithWriter(io.Discard, &config.LoggingConfig{
		Level:  "error",
		Format: "text",
		Output: "stdout",
	})
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{
		Logger: l.Logger.With(args...),
		cfg:    l.cfg,
	}
}

// WithField creates a new logger with an additional field
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{
		Logger: l.Logger.With(key, value),
		cfg:    l.cfg,
	}
}

// Level returns the configured level name.
func (l *Logger) Level() string {
	return l.cfg.Level
}

// ParseLevel converts string level to slog.Level; unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var global atomic.Pointer[Logger]

func init() {
	global.Store(NewDefault())
}

// SetGlobal sets the process-wide logger and the slog default.
func SetGlobal(logger *Logger) {
	global.Store(logger)
	slog.SetDefault(logger.Logger)
}

// Global returns the process-wide logger
func Global() *Logger {
	return global.Load()
}
