package logger

import (
	"context"

	"go.uber.org/zap"
)

type fieldsKey struct{}

// WithFields returns a context carrying extra key/value logging fields,
// appended to any fields already present.
func WithFields(ctx context.Context, keysAndValues ...interface{}) context.Context {
	existing, _ := ctx.Value(fieldsKey{}).([]interface{})
	fields := make([]interface{}, 0, len(existing)+len(keysAndValues))
	fields = append(fields, existing...)
	fields = append(fields, keysAndValues...)
	return context.WithValue(ctx, fieldsKey{}, fields)
}

// FromContext decorates base with the fields stored in ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields, _ := ctx.Value(fieldsKey{}).([]interface{})
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
