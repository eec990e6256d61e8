package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"cloudlet-rpc/message"
)

// RateLimit admits r requests per second with the given burst (token bucket).
// Requests over the limit fail with ErrRateLimited instead of queueing.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Outcome {
			if !limiter.Allow() {
				return message.Failure(ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
