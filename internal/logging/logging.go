// Package logging provides the daemon's structured logger contract.
//
// The interface shape is the one used throughout the execution nucleus:
// Info/Warn/Error/Debug taking a free-form fields map, plus *WithContext
// variants so a log line can be correlated with the trace span active on
// ctx. Components depend on the Logger interface, never on zap directly,
// so tests can substitute NoOpLogger.
package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the minimal logging contract used across the daemon.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentLogger extends Logger with a component tag, so every line can be
// filtered by subsystem (e.g. "executor", "trigger", "security").
type ComponentLogger interface {
	Logger
	WithComponent(component string) Logger
}

// zapLogger wraps zap.SugaredLogger behind the Logger contract.
type zapLogger struct {
	base      *zap.SugaredLogger
	component string
}

// New builds a production logger. In development (IMLD_ENV=development) it
// uses zap's console encoder; otherwise JSON, matching the env-driven format
// switch convention.
func New() ComponentLogger {
	var cfg zap.Config
	if os.Getenv("IMLD_ENV") == "development" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	return &zapLogger{base: z.Sugar()}
}

func (l *zapLogger) WithComponent(component string) Logger {
	return &zapLogger{base: l.base, component: component}
}

func (l *zapLogger) fields(fields map[string]interface{}) []interface{} {
	out := make([]interface{}, 0, len(fields)*2+2)
	if l.component != "" {
		out = append(out, "component", l.component)
	}
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func (l *zapLogger) Info(msg string, fields map[string]interface{})  { l.base.Infow(msg, l.fields(fields)...) }
func (l *zapLogger) Warn(msg string, fields map[string]interface{})  { l.base.Warnw(msg, l.fields(fields)...) }
func (l *zapLogger) Error(msg string, fields map[string]interface{}) { l.base.Errorw(msg, l.fields(fields)...) }
func (l *zapLogger) Debug(msg string, fields map[string]interface{}) { l.base.Debugw(msg, l.fields(fields)...) }

func (l *zapLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.base.Infow(msg, l.contextFields(ctx, fields)...)
}
func (l *zapLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.base.Warnw(msg, l.contextFields(ctx, fields)...)
}
func (l *zapLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.base.Errorw(msg, l.contextFields(ctx, fields)...)
}
func (l *zapLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.base.Debugw(msg, l.contextFields(ctx, fields)...)
}

func (l *zapLogger) contextFields(ctx context.Context, fields map[string]interface{}) []interface{} {
	out := l.fields(fields)
	if sid, ok := ctx.Value(sessionIDKey{}).(string); ok && sid != "" {
		out = append(out, "session_id", sid)
	}
	return out
}

type sessionIDKey struct{}

// WithSessionID attaches a session id to ctx for correlation in log lines.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// NoOpLogger discards everything; used in tests and as the safe default
// when no logger is configured.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}
func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}
func (n NoOpLogger) WithComponent(string) Logger { return n }
