package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	rootMu sync.RWMutex
	root   = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           log.InfoLevel,
	})
)

// LoggingOptions configures the process-wide log output.
type LoggingOptions struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output io.Writer
}

// ConfigureLogging replaces the root logger. Component loggers pick the new
// settings up on their next call.
func ConfigureLogging(opts LoggingOptions) error {
	level := log.InfoLevel
	if opts.Level != "" {
		parsed, err := log.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	formatter := log.TextFormatter
	switch strings.ToLower(opts.Format) {
	case "", "text":
	case "json":
		formatter = log.JSONFormatter
	default:
		return fmt.Errorf("invalid log format %q", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	l := log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
		Formatter:       formatter,
	})

	rootMu.Lock()
	root = l
	rootMu.Unlock()
	return nil
}

func currentRoot() *log.Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root
}

// Logger provides structured logging scoped to one component
type Logger struct {
	prefix string
	fields []interface{}
}

// NewLogger creates a new logger with a given prefix
func NewLogger(prefix string) *Logger {
	return &Logger{prefix: prefix}
}

// With returns a logger that adds the key-value pairs to every line
func (l *Logger) With(keyvals ...interface{}) *Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(keyvals))
	fields = append(fields, l.fields...)
	fields = append(fields, keyvals...)
	return &Logger{prefix: l.prefix, fields: fields}
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.log(log.InfoLevel, msg, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.log(log.ErrorLevel, msg, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.log(log.WarnLevel, msg, keyvals...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.log(log.DebugLevel, msg, keyvals...)
}

func (l *Logger) log(level log.Level, msg string, keyvals ...interface{}) {
	r := currentRoot()
	if r.GetLevel() > level {
		return
	}
	child := r.WithPrefix(l.prefix)
	if len(l.fields) > 0 {
		child = child.With(l.fields...)
	}
	child.Log(level, msg, keyvals...)
}
