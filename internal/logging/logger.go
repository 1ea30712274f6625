// Package logging provides structured JSON logging for localsync.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the level name as it appears in log output.
func (l Level) String() string {
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
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel converts a level name to a Level. Unknown names map to info.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Fields is the per-call structured context.
type Fields map[string]interface{}

// Logger writes structured JSON log lines.
type Logger struct {
	mu        sync.Mutex
	out       io.Writer
	minLevel  Level
	component string
}

var (
	global *Logger
	once   sync.Once
)

// Init initializes the global logger. Subsequent calls are no-ops.
func Init(out io.Writer, minLevel Level) {
	once.Do(func() {
		global = &Logger{out: out, minLevel: minLevel}
	})
}

// Get returns the global logger instance, initializing it from the
// LOCALSYNC_LOG_LEVEL environment variable on first use.
func Get() *Logger {
	if global == nil {
		Init(os.Stderr, ParseLevel(os.Getenv("LOCALSYNC_LOG_LEVEL")))
	}
	return global
}

// New returns a standalone logger (used by tests and embedded callers that
// should not share the global instance).
func New(out io.Writer, minLevel Level) *Logger {
	return &Logger{out: out, minLevel: minLevel}
}

// WithComponent returns a logger that stamps every entry with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{out: l.out, minLevel: l.minLevel, component: name}
}

type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

func (l *Logger) log(level Level, message string, err error, fields Fields) {
	if level < l.minLevel {
		return
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level.String(),
		Component: l.component,
		Message:   message,
		Context:   fields,
	}
	if err != nil {
		e.Error = err.Error()
	}

	data, jsonErr := json.Marshal(e)
	if jsonErr != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, string(data))
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields Fields) {
	l.log(LevelDebug, message, nil, fields)
}

// Info logs an info message.
func (l *Logger) Info(message string, fields Fields) {
	l.log(LevelInfo, message, nil, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields Fields) {
	l.log(LevelWarn, message, nil, fields)
}

// Error logs an error message with its cause.
func (l *Logger) Error(message string, err error, fields Fields) {
	l.log(LevelError, message, err, fields)
}

// Convenience functions using the global logger.

func Debug(message string, fields Fields) {
	Get().Debug(message, fields)
}

func Info(message string, fields Fields) {
	Get().Info(message, fields)
}

func Warn(message string, fields Fields) {
	Get().Warn(message, fields)
}

func Error(message string, err error, fields Fields) {
	Get().Error(message, err, fields)
}
