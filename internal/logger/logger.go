// Package logger wraps zap the way the teacher wires it: a process-wide
// singleton built once at startup, plus a helper to attach request-scoped
// fields without leaking that state onto the global logger.
package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global = zap.NewNop()

// Init builds the process-wide logger. dev selects a human-readable
// console encoder; otherwise JSON is used, matching the teacher's
// environment-driven encoder choice.
func Init(dev bool, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	lvl := zapcore.InfoLevel
	if level != "" {
		_ = lvl.UnmarshalText([]byte(level))
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	global = l
	return l, nil
}

// L returns the process-wide logger.
func L() *zap.Logger { return global }

type ctxKey struct{}

// WithRequestFields returns a context carrying a child logger annotated with
// the given fields (request id, account id, etc.) for downstream components
// to pull out via FromContext.
func WithRequestFields(ctx context.Context, fields ...zap.Field) context.Context {
	l := FromContext(ctx).With(fields...)
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the request-scoped logger, or the global logger if
// none was attached.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return global
	}
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return global
}
