// Package monitoring provides the logging sink injected into every node
// component.
//
// A Logger carries three streams, mirroring the convention used across the
// codebase:
//
//   - ops: actionable warnings, errors, dropped data
//   - diag: day-to-day diagnostics and state transitions
//   - trace: high-frequency per-frame telemetry
//
// Each stream is backed by its own io.Writer. A nil writer disables that
// stream. DO NOT add Debugf: every callsite must pick ops, diag or trace.
package monitoring

import (
	"io"
	"log"
)

// Logger is a set of prefixed log streams. The zero value and a nil *Logger
// both discard everything, so components can be constructed without one.
type Logger struct {
	name   string
	ops    io.Writer
	diag   io.Writer
	trace  io.Writer
	opsL   *log.Logger
	diagL  *log.Logger
	traceL *log.Logger
}

// New builds a Logger with the given component name and stream writers.
func New(name string, ops, diag, trace io.Writer) *Logger {
	l := &Logger{name: name, ops: ops, diag: diag, trace: trace}
	prefix := "[" + name + "] "
	if name == "" {
		prefix = ""
	}
	l.opsL = newLogger(prefix, ops)
	l.diagL = newLogger(prefix, diag)
	l.traceL = newLogger(prefix, trace)
	return l
}

// Discard returns a Logger with every stream disabled.
func Discard() *Logger {
	return New("", nil, nil, nil)
}

// Named returns a child Logger sharing the same writers under a new
// component name.
func (l *Logger) Named(name string) *Logger {
	if l == nil {
		return New(name, nil, nil, nil)
	}
	return New(name, l.ops, l.diag, l.trace)
}

// Name reports the component name the logger prefixes lines with.
func (l *Logger) Name() string {
	if l == nil {
		return ""
	}
	return l.name
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream (actionable warnings, errors, data loss).
func (l *Logger) Opsf(format string, args ...interface{}) {
	if l != nil && l.opsL != nil {
		l.opsL.Printf(format, args...)
	}
}

// Diagf logs to the diag stream (day-to-day diagnostics, state changes).
func (l *Logger) Diagf(format string, args ...interface{}) {
	if l != nil && l.diagL != nil {
		l.diagL.Printf(format, args...)
	}
}

// Tracef logs to the trace stream (per-frame telemetry).
func (l *Logger) Tracef(format string, args ...interface{}) {
	if l != nil && l.traceL != nil {
		l.traceL.Printf(format, args...)
	}
}

// Logf adapts the diag stream to the printf-style hook signature accepted
// by third-party libraries.
func (l *Logger) Logf(format string, args ...interface{}) {
	l.Diagf(format, args...)
}
