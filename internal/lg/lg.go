// Package lg is the logging seam shared by every role binary. It follows
// the teacher's LogFunc-callback idiom (a plain func(level, fmt, args...)
// passed down into components instead of a package-level global) so that
// sockets, event loops, and rooms never import a concrete logger, but the
// sink behind the callback is a real zap core rather than the teacher's
// hand-rolled file-rotation target.
package lg

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var defaultWriter = os.Stderr

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Set implements flag.Value so Level can be bound directly to a flag.
func (l *Level) Set(s string) error {
	switch s {
	case "debug":
		*l = DEBUG
	case "info":
		*l = INFO
	case "warn":
		*l = WARN
	case "error":
		*l = ERROR
	case "fatal":
		*l = FATAL
	default:
		return fmt.Errorf("lg: unknown level %q", s)
	}
	return nil
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Func is the callback signature threaded through every component,
// mirroring the teacher's LogFunc.
type Func func(level Level, format string, args ...interface{})

// Logger wraps a zap.Logger and a prefix, exposing a Func for callers that
// don't want to hold a struct.
type Logger struct {
	z      *zap.Logger
	prefix string
	level  Level
}

func New(prefix string, level Level) *Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(zapcore.AddSync(defaultWriter)), zap.NewAtomicLevelAt(level.zapLevel()))
	return &Logger{z: zap.New(core), prefix: prefix, level: level}
}

// Logf logs a formatted message at the given level if the logger's minimum
// level permits it.
func (l *Logger) Logf(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		msg = l.prefix + " " + msg
	}
	switch level {
	case DEBUG:
		l.z.Debug(msg)
	case INFO:
		l.z.Info(msg)
	case WARN:
		l.z.Warn(msg)
	case ERROR:
		l.z.Error(msg)
	case FATAL:
		l.z.Fatal(msg)
	}
}

// AsFunc returns a Func bound to this logger, for components that accept a
// bare callback rather than a *Logger.
func (l *Logger) AsFunc() Func {
	return l.Logf
}

func (l *Logger) Sync() error { return l.z.Sync() }

// Discard is a Func that drops every message; useful in tests.
func Discard(Level, string, ...interface{}) {}
