package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"cloudlet-rpc/message"
)

// Logging traces every handled request with its duration and outcome.
func Logging(logger logrus.FieldLogger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Outcome {
			start := time.Now()
			outcome := next(ctx, req)
			entry := logger.WithFields(logrus.Fields{
				"op":          req.Operation(),
				"session":     req.Session,
				"correlation": req.Correlation,
				"resource":    req.Resource,
				"duration":    time.Since(start),
			})
			if outcome != nil && outcome.Err != nil {
				entry.WithError(outcome.Err).Warn("request failed")
			} else {
				entry.Debug("request handled")
			}
			return outcome
		}
	}
}
