// Package logger implements the small leveled logger used throughout this
// daemon. It is deliberately minimal: a level-gated wrapper around the
// standard logger with optional callback handlers, in the style this
// codebase has always used rather than a pluggable logging framework.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Level is the severity of a log line, lowest first so that a configured
// Level gates everything below it.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	numLevels
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel accepts "debug", "info", "warning", "error" (case
// insensitive) or their numeric equivalents "0".."3" -- the one
// documented configuration lever this daemon exposes.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "0":
		return LevelDebug, nil
	case "info", "1":
		return LevelInfo, nil
	case "warning", "warn", "2":
		return LevelWarning, nil
	case "error", "3":
		return LevelError, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < int(numLevels) {
		return Level(n), nil
	}
	return 0, fmt.Errorf("logger: unknown level %q", s)
}

// Handler is called for every line at or above the logger's configured
// level, in addition to the line being written to the underlying writer.
type Handler func(level Level, msg string)

// Logger is a level-gated, handler-observable logger. The zero value is
// not usable (it has no writer); construct one with New, or use Default.
type Logger struct {
	mu       sync.Mutex
	out      *log.Logger
	level    Level
	handlers [numLevels][]Handler
}

// New returns a Logger writing to w at the given level.
func New(w io.Writer, level Level) *Logger {
	return &Logger{
		out:   log.New(w, "", log.Ltime),
		level: level,
	}
}

// Default logs to stderr at LevelInfo; components that don't hold their
// own *Logger reference use this one, mirroring the package-level "l" of
// earlier incarnations of this codebase.
var Default = New(os.Stderr, LevelInfo)

// SetLevel changes the minimum level that is emitted.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// AddHandler registers h to be called for every line at or above level.
func (l *Logger) AddHandler(level Level, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[level] = append(l.handlers[level], h)
}

func (l *Logger) log(level Level, s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}
	l.out.Output(3, level.String()+": "+s)
	for ll := LevelDebug; ll <= level; ll++ {
		for _, h := range l.handlers[ll] {
			h(level, strings.TrimSpace(s))
		}
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (l *Logger) Debugln(args ...interface{})                { l.log(LevelDebug, fmt.Sprintln(args...)) }
func (l *Logger) Infof(format string, args ...interface{})   { l.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (l *Logger) Infoln(args ...interface{})                  { l.log(LevelInfo, fmt.Sprintln(args...)) }
func (l *Logger) Warnf(format string, args ...interface{})   { l.log(LevelWarning, fmt.Sprintf(format, args...)) }
func (l *Logger) Warnln(args ...interface{})                  { l.log(LevelWarning, fmt.Sprintln(args...)) }
func (l *Logger) Errorf(format string, args ...interface{})  { l.log(LevelError, fmt.Sprintf(format, args...)) }
func (l *Logger) Errorln(args ...interface{})                 { l.log(LevelError, fmt.Sprintln(args...)) }
