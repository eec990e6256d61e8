package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"cloudlet-rpc/message"
)

// Retryable reports whether a handler failure is worth another attempt: the backend
// signalled a temporary condition.
func Retryable(err error) bool {
	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) {
		return temporary.Temporary()
	}
	var kinded interface{ ErrorKind() string }
	return errors.As(err, &kinded) && kinded.ErrorKind() == "unavailable"
}

// Retry re-runs the handler while it fails with a Retryable error, backing off
// exponentially from baseDelay. Only idempotent operations should be wrapped.
func Retry(maxRetries int, baseDelay time.Duration, logger logrus.FieldLogger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Outcome {
			outcome := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if outcome == nil || outcome.Err == nil || !Retryable(outcome.Err) {
					return outcome
				}
				logger.WithFields(logrus.Fields{"op": req.Operation(), "attempt": i + 1}).
					WithError(outcome.Err).Debug("retrying request")
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return outcome
				}
				outcome = next(ctx, req)
			}
			return outcome
		}
	}
}
