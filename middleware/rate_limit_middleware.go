package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"federation-rpc/message"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a partition's token bucket is empty.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware keeps one token bucket per partition, so a busy
// partition cannot starve the others.
func RateLimitMiddleware(r float64, burst int) Middleware {
	var limiters sync.Map // partition → *rate.Limiter
	limiterFor := func(partition string) *rate.Limiter {
		if l, ok := limiters.Load(partition); ok {
			return l.(*rate.Limiter)
		}
		l, _ := limiters.LoadOrStore(partition, rate.NewLimiter(rate.Limit(r), burst))
		return l.(*rate.Limiter)
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			if !limiterFor(call.Partition).Allow() {
				return nil, fmt.Errorf("partition %q: %w", call.Partition, ErrRateLimited)
			}
			return next(ctx, call)
		}
	}
}
