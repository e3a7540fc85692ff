package observability

import (
	"context"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes one JSON object per line, tagged with the service name and
// the request id carried by ctx.
type Logger struct {
	service string
	base    *zap.Logger
}

func NewLogger(service string) *Logger {
	return newLogger(service, zapcore.Lock(os.Stdout), zapcore.InfoLevel)
}

func NewLoggerWithWriter(service string, w io.Writer) *Logger {
	return newLogger(service, zapcore.AddSync(w), zapcore.DebugLevel)
}

// NewLoggerWithLevel accepts zap level names ("debug", "info", ...); unknown
// names fall back to info.
func NewLoggerWithLevel(service, level string) *Logger {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	return newLogger(service, zapcore.Lock(os.Stdout), lvl)
}

// NewNopLogger discards everything; used where a component is built without a logger.
func NewNopLogger() *Logger {
	return &Logger{service: "nop", base: zap.NewNop()}
}

func newLogger(service string, ws zapcore.WriteSyncer, level zapcore.Level) *Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts_ms",
		LevelKey:       "level",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     epochMillisEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, level)
	return &Logger{service: service, base: zap.New(core).With(zap.String("service", service))}
}

// epochMillisEncoder writes ts_ms as whole milliseconds.
func epochMillisEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendInt64(t.UnixMilli())
}

func (l *Logger) Debug(ctx context.Context, message string, fields ...zap.Field) {
	l.write(ctx, zapcore.DebugLevel, message, fields)
}

func (l *Logger) Info(ctx context.Context, message string, fields ...zap.Field) {
	l.write(ctx, zapcore.InfoLevel, message, fields)
}

func (l *Logger) Warn(ctx context.Context, message string, fields ...zap.Field) {
	l.write(ctx, zapcore.WarnLevel, message, fields)
}

func (l *Logger) Error(ctx context.Context, message string, fields ...zap.Field) {
	l.write(ctx, zapcore.ErrorLevel, message, fields)
}

// Named returns a logger for a sub-component sharing the same sink.
func (l *Logger) Named(component string) *Logger {
	if l == nil {
		return NewNopLogger()
	}
	return &Logger{service: l.service, base: l.base.With(zap.String("component", component))}
}

func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	return l.base.Sync()
}

func (l *Logger) write(ctx context.Context, level zapcore.Level, message string, fields []zap.Field) {
	if l == nil {
		return
	}
	ce := l.base.Check(level, message)
	if ce == nil {
		return
	}
	if ctx != nil {
		if requestID := RequestIDFromContext(ctx); requestID != "" {
			fields = append(fields, zap.String("request_id", requestID))
		}
	}
	ce.Write(fields...)
}
