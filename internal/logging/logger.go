// Package logging provides simple level-aware, key-value structured
// logging for the block I/O engine and the components built on it.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel orders log severities from most to least verbose.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// core is the state shared between a Logger and every Logger derived
// from it via With; only the persistent field set differs between them.
type core struct {
	mu     sync.Mutex
	logger *log.Logger
	level  LogLevel
}

// Logger wraps stdlib log with level filtering and a persistent
// key-value context attached via With, so a component (an iothread.Loop,
// a filedriver.Driver) can tag every line it emits without repeating the
// same pairs at every call site.
type Logger struct {
	core   *core
	fields []any
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// NewLogger creates a logger from config; a nil config falls back to
// DefaultConfig.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		core: &core{
			logger: log.New(output, "", log.LstdFlags),
			level:  config.Level,
		},
	}
}

// With returns a derived Logger that prepends keyvals to every
// subsequent call's own arguments, sharing l's output and level. Useful
// for tagging every line a component emits, e.g.
// logging.Default().With("component", "iothread").
func (l *Logger) With(keyvals ...any) *Logger {
	fields := make([]any, 0, len(l.fields)+len(keyvals))
	fields = append(fields, l.fields...)
	fields = append(fields, keyvals...)
	return &Logger{core: l.core, fields: fields}
}

// Default returns the process-wide default logger, creating it on first use.
func Default() *Logger {
	defaultMu.RLock()
	if defaultLogger != nil {
		defer defaultMu.RUnlock()
		return defaultLogger
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// formatArgs renders key-value pairs as " k=v k=v ...". A trailing key
// with no paired value is dropped.
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		parts = append(parts, fmt.Sprintf("%v=%v", args[i], args[i+1]))
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	if level < l.core.level {
		return
	}
	all := args
	if len(l.fields) > 0 {
		all = make([]any, 0, len(l.fields)+len(args))
		all = append(all, l.fields...)
		all = append(all, args...)
	}
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.logger.Printf("[%s] %s%s", level, msg, formatArgs(all))
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }

func (l *Logger) Info(msg string, args ...any) { l.log(LevelInfo, msg, args...) }

func (l *Logger) Warn(msg string, args ...any) { l.log(LevelWarn, msg, args...) }

func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

// Debugf, Infof, Warnf and Errorf take a printf-style format instead of
// key-value pairs, for call sites building one-off diagnostic strings
// (e.g. wrapping a syscall errno) where named fields would be noise.
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, fmt.Sprintf(format, args...))
}

// Debug logs through the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs through the default logger.
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs through the default logger.
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs through the default logger.
func Error(msg string, args ...any) { Default().Error(msg, args...) }
