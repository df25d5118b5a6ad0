package observability

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig configures the zap-backed logger.
type ZapConfig struct {
	Environment string
	Level       string
	ServiceName string
	// Encoding is "json" (default) or "console".
	Encoding string
}

// ZapLogger adapts a zap.Logger to the Logger interface.
type ZapLogger struct {
	base *zap.Logger
}

// NewZapLogger builds a JSON zap logger tagged with service and environment.
func NewZapLogger(cfg ZapConfig) (*ZapLogger, error) {
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = "dev"
	}
	encoding := strings.ToLower(strings.TrimSpace(cfg.Encoding))
	if encoding == "" {
		encoding = "json"
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	zcfg := zap.Config{
		Level:            ParseLevel(cfg.Level),
		Development:      env == "dev",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	fields := []zap.Field{zap.String("environment", env)}
	if svc := strings.TrimSpace(cfg.ServiceName); svc != "" {
		fields = append(fields, zap.String("service", svc))
	}
	return &ZapLogger{base: logger.With(fields...)}, nil
}

// WrapZap adapts an existing zap logger.
func WrapZap(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{base: logger}
}

// Named returns a child logger with the given name segment.
func (l *ZapLogger) Named(name string) *ZapLogger {
	return &ZapLogger{base: l.base.Named(name)}
}

// Zap exposes the underlying zap logger.
func (l *ZapLogger) Zap() *zap.Logger {
	return l.base
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

// Debug logs at debug level.
func (l *ZapLogger) Debug(msg string, fields ...Field) {
	l.base.Debug(msg, toZap(fields)...)
}

// Info logs at info level.
func (l *ZapLogger) Info(msg string, fields ...Field) {
	l.base.Info(msg, toZap(fields)...)
}

// Error logs at error level.
func (l *ZapLogger) Error(msg string, fields ...Field) {
	l.base.Error(msg, toZap(fields)...)
}

func toZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

// ParseLevel converts a textual level into a zap atomic level, defaulting to info.
func ParseLevel(level string) zap.AtomicLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn", "warning":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}
