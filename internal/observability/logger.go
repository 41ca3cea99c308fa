// Package observability holds the logging interface used across optflow and
// its zap-backed implementation.
package observability

import "sync/atomic"

// Logger is the structured logger every component accepts.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

type Field struct {
	Key   string
	Value any
}

func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err wraps an error as the conventional "error" field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

type loggerBox struct{ Logger }

var current atomic.Pointer[loggerBox]

// SetLogger installs the process-wide logger. nil restores the no-op logger.
// Safe to call while other goroutines log.
func SetLogger(logger Logger) {
	if logger == nil {
		current.Store(nil)
		return
	}
	current.Store(&loggerBox{logger})
}

// Log returns the process-wide logger.
func Log() Logger {
	if box := current.Load(); box != nil {
		return box.Logger
	}
	return noopLogger{}
}

// With returns a logger that prepends fields to every entry.
func With(base Logger, fields ...Field) Logger {
	if base == nil {
		base = Log()
	}
	if len(fields) == 0 {
		return base
	}
	return scoped{base: base, fields: fields}
}

type scoped struct {
	base   Logger
	fields []Field
}

func (s scoped) join(extra []Field) []Field {
	out := make([]Field, 0, len(s.fields)+len(extra))
	out = append(out, s.fields...)
	return append(out, extra...)
}

func (s scoped) Debug(msg string, fields ...Field) { s.base.Debug(msg, s.join(fields)...) }
func (s scoped) Info(msg string, fields ...Field)  { s.base.Info(msg, s.join(fields)...) }
func (s scoped) Error(msg string, fields ...Field) { s.base.Error(msg, s.join(fields)...) }

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
