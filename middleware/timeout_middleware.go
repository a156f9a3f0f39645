package middleware

import (
	"context"
	"time"

	"restpipe/dispatch"
)

// TimeoutMiddleware enforces a maximum duration for each event handler.
// It derives a fresh timeout off ctx, races next against it, and if next
// has not produced a response by the time that timeout expires,
// timeoutCode is returned immediately and the handler's eventual
// response (if it ever arrives) is discarded. The handler goroutine
// itself is not cancelled — callers that need cancellation must watch
// ctx.Done() themselves.
func TimeoutMiddleware(timeout time.Duration, timeoutCode int32) Middleware {
	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, req dispatch.Request) dispatch.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan dispatch.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return dispatch.Response{
					Mimetype: "application/json",
					Code:     timeoutCode,
					Body:     map[string]string{"error": "timed out"},
				}
			}
		}
	}
}
