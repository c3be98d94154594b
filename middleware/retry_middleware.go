package middleware

import (
	"context"
	"errors"
	"syscall"
	"time"

	"federation-rpc/message"

	"go.uber.org/zap"
)

// Retryable reports whether err is worth another attempt: timeouts, refused
// connections, and errors that say so through a Retryable() bool method.
func Retryable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

// RetryMiddleware retries retryable failures up to maxRetries times with
// exponential backoff starting at baseDelay. It gives up early once ctx ends.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			result, err := next(ctx, call)
			for i := 0; i < maxRetries && err != nil && Retryable(err); i++ {
				logger.Info("retrying invocation",
					zap.Int("attempt", i+1),
					zap.String("partition", call.Partition),
					zap.String("method", call.Method),
					zap.Error(err))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, err
				}
				result, err = next(ctx, call)
			}
			return result, err
		}
	}
}
