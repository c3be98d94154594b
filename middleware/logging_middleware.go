package middleware

import (
	"context"
	"time"

	"federation-rpc/message"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every call with its partition and duration.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			start := time.Now()
			result, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("partition", call.Partition),
				zap.String("method", call.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("invocation failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("invocation", fields...)
			}
			return result, err
		}
	}
}
