package log

import (
	"context"

	"go.uber.org/zap"

	"github.com/omalloc/scangate/internal/constants"
)

type requestIDKey struct{}

// WithRequestID stores the request id so Context can bind it to log lines.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id bound to ctx, or "".
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// Context returns a logger carrying the request id of ctx, if any.
func Context(ctx context.Context) *zap.SugaredLogger {
	if id := RequestID(ctx); id != "" {
		return sugar.With(constants.LogRequestIDKey, id)
	}
	return sugar
}
