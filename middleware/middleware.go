// Package middleware implements the onion-model chain wrapping an event
// handler with cross-cutting concerns (logging, timeout, rate limiting)
// without the handler itself knowing they exist.
//
// Onion model execution order:
//
//	Chain(A, B, C)(handler)  →  A(B(C(handler)))
//
//	Request:   A.before → B.before → C.before → handler
//	Response:  handler → C.after → B.after → A.after
package middleware

import "restpipe/dispatch"

// Middleware takes a handler and returns a new handler that wraps it.
type Middleware func(next dispatch.HandlerFunc) dispatch.HandlerFunc

// Chain composes multiple middlewares into one, built right to left so
// the first middleware listed is the outermost layer.
//
//	chain := Chain(Logging, Timeout, RateLimit)
//	handler := chain(businessHandler)
//	// Execution: Logging → Timeout → RateLimit → businessHandler → RateLimit → Timeout → Logging
func Chain(middlewares ...Middleware) Middleware {
	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
