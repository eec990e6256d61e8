package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"cloudlet-rpc/message"
)

// Recovery turns a handler panic into an ErrPanic failure.
func Recovery(logger logrus.FieldLogger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (outcome *message.Outcome) {
			defer func() {
				if r := recover(); r != nil {
					logger.WithField("op", req.Operation()).WithField("stack", string(debug.Stack())).
						Errorf("handler panic: %v", r)
					outcome = message.Failure(fmt.Errorf("%w: %v", ErrPanic, r))
				}
			}()
			return next(ctx, req)
		}
	}
}
