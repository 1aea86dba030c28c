// Package logger provides the structured logger used across the module.
// Call sites pass a message plus a LogFields map; zerolog does the
// formatting and level gating.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"example.com/h2serve/internal/config"
)

// LogFields carries the structured fields of one log entry.
type LogFields map[string]interface{}

// Logger wraps a zerolog.Logger behind the module's logging call shape.
type Logger struct {
	zl     zerolog.Logger
	output io.WriteCloser
}

// NewLogger creates a Logger from the logging configuration. File targets
// are opened in append mode.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	var out io.WriteCloser
	switch {
	case cfg.Target == "stderr" || cfg.Target == "":
		out = os.Stderr
	case cfg.Target == "stdout":
		out = os.Stdout
	case config.IsFilePath(cfg.Target):
		file, err := os.OpenFile(cfg.Target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.Target, err)
		}
		out = file
	}

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zl := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl, output: out}, nil
}

// NewTestLogger returns a logger writing to w at DEBUG level, for tests.
func NewTestLogger(w io.Writer) *Logger {
	return &Logger{zl: zerolog.New(w).Level(zerolog.DebugLevel)}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func parseLevel(level config.LogLevel) (zerolog.Level, error) {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel, nil
	case config.LogLevelInfo, "":
		return zerolog.InfoLevel, nil
	case config.LogLevelWarning:
		return zerolog.WarnLevel, nil
	case config.LogLevelError:
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields LogFields) {
	if len(fields) > 0 {
		ev = ev.Fields(map[string]interface{}(fields))
	}
	ev.Msg(msg)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, fields LogFields) {
	l.emit(l.zl.Debug(), msg, fields)
}

// Info logs at INFO level.
func (l *Logger) Info(msg string, fields LogFields) {
	l.emit(l.zl.Info(), msg, fields)
}

// Warn logs at WARNING level.
func (l *Logger) Warn(msg string, fields LogFields) {
	l.emit(l.zl.Warn(), msg, fields)
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, fields LogFields) {
	l.emit(l.zl.Error(), msg, fields)
}

// Close closes a file-backed log target. Standard streams are left open.
func (l *Logger) Close() error {
	if l.output == nil || l.output == os.Stdout || l.output == os.Stderr {
		return nil
	}
	return l.output.Close()
}
