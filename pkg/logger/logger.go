// Package logger wraps slog with the field conventions used across the
// orchestrator: every subsystem logs under a "component" attribute and
// errors are attached as a structured "error" field.
package logger

import (
	"log/slog"
	"os"
)

// Logger embeds slog.Logger so call sites keep the standard Info/Warn/
// Error methods while gaining the orchestrator's field helpers.
type Logger struct {
	*slog.Logger
}

// New builds a Logger writing to stdout. JSON output is used in
// deployments; the text handler is for local runs. Source locations are
// recorded only at debug level.
func New(level slog.Level, json bool) *Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Default returns an INFO-level JSON logger.
func Default() *Logger {
	return New(slog.LevelInfo, true)
}

// WithComponent returns a Logger tagged with the subsystem name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component)}
}

// WithError returns a Logger carrying the error as a field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Logger: l.Logger.With("error", err.Error())}
}
