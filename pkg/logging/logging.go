// Package logging provides structured logging for the LP node.
package logging

import (
	"encoding/hex"
	"io"
	"os"
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
// derived component loggers share output, format and level.
type Logger struct {
	*log.Logger
	timeFormat string
	format     string
	output     io.Writer
}

// Config holds logger configuration.
type Config struct {
	Level      string
	TimeFormat string
	// Format is one of "text", "json" or "logfmt".
	Format string
	Prefix string
	Output io.Writer
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
		Format:     "text",
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

	l := &Logger{timeFormat: timeFormat, format: cfg.Format, output: output}
	l.Logger = l.build(cfg.Prefix)
	l.SetLevel(ParseLevel(cfg.Level))
	return l
}

func (l *Logger) build(prefix string) *log.Logger {
	return log.NewWithOptions(l.output, log.Options{
		ReportCaller:    false,
		ReportTimestamp: true,
		TimeFormat:      l.timeFormat,
		Prefix:          prefix,
		Formatter:       parseFormatter(l.format),
	})
}

// Default returns the default logger.
func Default() *Logger {
	return New(DefaultConfig())
}

// ParseLevel parses a string level into a log.Level.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
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

func parseFormatter(format string) log.Formatter {
	switch strings.ToLower(format) {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}

// With returns a new logger with the given key-value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{
		Logger:     l.Logger.With(keyvals...),
		timeFormat: l.timeFormat,
		format:     l.format,
		output:     l.output,
	}
}

// Component returns a logger prefixed with a component name.
func (l *Logger) Component(name string) *Logger {
	out := &Logger{timeFormat: l.timeFormat, format: l.format, output: l.output}
	out.Logger = out.build(name)
	out.SetLevel(l.GetLevel())
	return out
}

// Swap returns a logger annotated with a swap's payment hash.
func (l *Logger) Swap(paymentHash []byte) *Logger {
	return l.With("hash", hex.EncodeToString(paymentHash))
}

var defaultLogger = Default()

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// GetDefault returns the default logger.
func GetDefault() *Logger {
	return defaultLogger
}

func Debug(msg interface{}, keyvals ...interface{}) { defaultLogger.Debug(msg, keyvals...) }
func Info(msg interface{}, keyvals ...interface{})  { defaultLogger.Info(msg, keyvals...) }
func Warn(msg interface{}, keyvals ...interface{})  { defaultLogger.Warn(msg, keyvals...) }
func Error(msg interface{}, keyvals ...interface{}) { defaultLogger.Error(msg, keyvals...) }
func Fatal(msg interface{}, keyvals ...interface{}) { defaultLogger.Fatal(msg, keyvals...) }
