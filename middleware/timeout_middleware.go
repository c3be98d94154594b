package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"federation-rpc/message"
)

// ErrTimeout marks an invocation abandoned after its deadline.
var ErrTimeout = errors.New("request timed out")

// TimeOutMiddleware bounds every call to timeout. The call is abandoned once
// ctx ends even if the handler ignores its context; the handler goroutine
// then finishes on its own.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				result any
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, call)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, fmt.Errorf("partition %q after %s: %w", call.Partition, timeout, ErrTimeout)
				}
				return nil, ctx.Err()
			}
		}
	}
}
