// Package logging provides structured logging for lnswapd processes.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// Logger wraps charmbracelet/log and remembers how it was built so that
// component loggers share the same sink and format.
type Logger struct {
	*log.Logger
	output     io.Writer
	timeFormat string
	json       bool
}

// Config holds logger configuration.
type Config struct {
	Level      string
	TimeFormat string
	Prefix     string
	// JSON switches the formatter to one JSON object per line.
	JSON   bool
	Output io.Writer
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
		Output:     os.Stderr,
	}
}

// New creates a new logger with the given configuration.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.TimeOnly
	}

	l := build(output, timeFormat, cfg.Prefix, cfg.JSON)
	l.SetLevel(ParseLevel(cfg.Level))
	return l
}

func build(output io.Writer, timeFormat, prefix string, json bool) *Logger {
	opts := log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Prefix:          prefix,
	}
	if json {
		opts.Formatter = log.JSONFormatter
	}
	return &Logger{
		Logger:     log.NewWithOptions(output, opts),
		output:     output,
		timeFormat: timeFormat,
		json:       json,
	}
}

// OpenFile opens (appending) a log file, creating its directory.
// The caller owns the returned file.
func OpenFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Default returns a logger with the default configuration.
func Default() *Logger {
	return New(DefaultConfig())
}

// ParseLevel parses a string level into a log.Level.
func ParseLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// With returns a new logger with the given key-value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{
		Logger:     l.Logger.With(keyvals...),
		output:     l.output,
		timeFormat: l.timeFormat,
		json:       l.json,
	}
}

// Component returns a logger prefixed with the component name. Nested
// components are joined with a slash ("watcher/bitcoin").
func (l *Logger) Component(name string) *Logger {
	prefix := name
	if p := l.GetPrefix(); p != "" {
		prefix = p + "/" + name
	}
	c := build(l.output, l.timeFormat, prefix, l.json)
	c.SetLevel(l.GetLevel())
	return c
}

// ForOrder returns a logger tagged with a shortened invoice.
func (l *Logger) ForOrder(invoice string) *Logger {
	return l.With("invoice", ShortInvoice(invoice))
}

// ShortInvoice truncates a Lightning invoice for log output.
func ShortInvoice(invoice string) string {
	if len(invoice) <= 24 {
		return invoice
	}
	return invoice[:12] + ".." + invoice[len(invoice)-8:]
}

var defaultLogger = Default()

// SetDefault sets the process-wide logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// GetDefault returns the process-wide logger.
func GetDefault() *Logger {
	return defaultLogger
}

func Debug(msg interface{}, keyvals ...interface{}) { defaultLogger.Debug(msg, keyvals...) }
func Info(msg interface{}, keyvals ...interface{})  { defaultLogger.Info(msg, keyvals...) }
func Warn(msg interface{}, keyvals ...interface{})  { defaultLogger.Warn(msg, keyvals...) }
func Error(msg interface{}, keyvals ...interface{}) { defaultLogger.Error(msg, keyvals...) }
func Fatal(msg interface{}, keyvals ...interface{}) { defaultLogger.Fatal(msg, keyvals...) }
