// Package observability defines shared logging primitives.
package observability

import "sync/atomic"

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for building a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

type loggerHolder struct {
	logger Logger
}

var defaultLogger atomic.Pointer[loggerHolder]

func init() {
	defaultLogger.Store(&loggerHolder{logger: noopLogger{}})
}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	defaultLogger.Store(&loggerHolder{logger: logger})
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger.Load().logger
}

// Or returns logger when non-nil and the global logger otherwise.
func Or(logger Logger) Logger {
	if logger != nil {
		return logger
	}
	return Log()
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
