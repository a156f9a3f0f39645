package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"restpipe/dispatch"
)

// LoggingMiddleware records the duration and reply code for each event
// (the Request it sees carries no verb or noun, so neither is logged). It captures the start time before calling next and logs
// the elapsed time after next returns.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, req dispatch.Request) dispatch.Response {
			start := time.Now()
			resp := next(ctx, req)
			logger.Debug("event handled",
				zap.Duration("duration", time.Since(start)),
				zap.Int32("code", resp.Code),
			)
			return resp
		}
	}
}
