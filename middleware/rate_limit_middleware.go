package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"restpipe/dispatch"
)

// RateLimitMiddleware builds a single token bucket limiter shared across
// every event passing through the returned Middleware, limiting at r
// events/sec with the given burst. Requests that don't get a token
// return rateLimitedCode without ever reaching next.
func RateLimitMiddleware(r rate.Limit, burst int, rateLimitedCode int32) Middleware {
	limiter := rate.NewLimiter(r, burst)

	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, req dispatch.Request) dispatch.Response {
			if !limiter.Allow() {
				return dispatch.Response{
					Mimetype: "application/json",
					Code:     rateLimitedCode,
					Body:     map[string]string{"error": "rate limit exceeded"},
				}
			}
			return next(ctx, req)
		}
	}
}
