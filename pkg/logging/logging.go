// Package logging provides structured logging for the burrow relay host:
// a process-wide default logger plus per-subsystem component loggers
// derived from it.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Logger wraps charmbracelet/log. Derived loggers (Component, With) are
// rebuilt from the options of their parent so every subsystem shares the
// same output, level, and time format.
type Logger struct {
	*log.Logger
	out  io.Writer
	opts log.Options
}

// Config holds logger configuration. Zero values fall back to stderr at
// info level with clock-only timestamps.
type Config struct {
	Level      string
	TimeFormat string
	Output     io.Writer
}

// New creates a logger from the configuration.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := log.Options{
		ReportTimestamp: true,
		TimeFormat:      cfg.TimeFormat,
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.TimeOnly
	}

	logger := log.NewWithOptions(out, opts)
	logger.SetLevel(levelFromString(cfg.Level))
	return &Logger{Logger: logger, out: out, opts: opts}
}

// Component derives a logger whose prefix identifies a subsystem.
func (l *Logger) Component(name string) *Logger {
	opts := l.opts
	opts.Prefix = name
	logger := log.NewWithOptions(l.out, opts)
	logger.SetLevel(l.GetLevel())
	return &Logger{Logger: logger, out: l.out, opts: opts}
}

// With derives a logger with key-value pairs attached to every record.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...), out: l.out, opts: l.opts}
}

// levelNames maps config strings to levels; unknown strings mean info.
var levelNames = map[string]log.Level{
	"debug":   log.DebugLevel,
	"info":    log.InfoLevel,
	"warn":    log.WarnLevel,
	"warning": log.WarnLevel,
	"error":   log.ErrorLevel,
	"fatal":   log.FatalLevel,
}

func levelFromString(s string) log.Level {
	if level, ok := levelNames[strings.ToLower(s)]; ok {
		return level
	}
	return log.InfoLevel
}

// The process-wide default, replaced once at startup after the config is
// loaded. Subsystems derive their component loggers from it.
var defaultLogger = New(nil)

// SetDefault replaces the default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// GetDefault returns the default logger.
func GetDefault() *Logger {
	return defaultLogger
}
