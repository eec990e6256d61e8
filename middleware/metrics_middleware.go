package middleware

import (
	"context"

	"cloudlet-rpc/message"
	"cloudlet-rpc/metrics"
)

// Metrics counts handled requests per operation and outcome. A nil outcome means the
// handler answered through its transmitter and counts as ok.
func Metrics(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Outcome {
			outcome := next(ctx, req)
			result := "ok"
			if outcome != nil && outcome.Err != nil {
				result = "error"
			}
			m.Handled(req.Operation(), result)
			return outcome
		}
	}
}
