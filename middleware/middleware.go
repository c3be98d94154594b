// Package middleware wraps instance invocations.
//
// The same chain type serves both sides of the wire: the dispatcher wraps
// every call it makes to an instance, and the server wraps every call it
// hands to a hosted backend.
package middleware

import (
	"context"

	"federation-rpc/message"
)

// HandlerFunc invokes one call and returns its result.
type HandlerFunc func(ctx context.Context, call *message.Call) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is outermost:
// Chain(A, B)(h) runs A, then B, then h.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
