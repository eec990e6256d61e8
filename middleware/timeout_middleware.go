package middleware

import (
	"context"
	"time"

	"cloudlet-rpc/message"
)

// Timeout fails the request with ErrTimeout when the handler runs longer than timeout.
// The handler's context is cancelled; its late outcome is discarded.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Outcome {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Outcome, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case outcome := <-done:
				return outcome
			case <-ctx.Done():
				return message.Failure(ErrTimeout)
			}
		}
	}
}
