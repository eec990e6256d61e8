// Package middleware wraps driver operation handlers. A chain runs in the goroutine the
// driver spawned for one request; every middleware sees the request message and the
// handler's outcome.
package middleware

import (
	"context"

	"cloudlet-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Message) *message.Outcome

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one given is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// kindError is a middleware failure that knows its error-reply kind.
type kindError struct {
	kind string
	msg  string
}

func (e *kindError) Error() string     { return e.msg }
func (e *kindError) ErrorKind() string { return e.kind }

var (
	ErrTimeout     error = &kindError{kind: "timeout", msg: "middleware: request timed out"}
	ErrRateLimited error = &kindError{kind: "unavailable", msg: "middleware: rate limit exceeded"}
	ErrPanic       error = &kindError{kind: "handler", msg: "middleware: handler panicked"}
)
