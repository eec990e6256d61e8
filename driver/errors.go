package driver

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyReplied = errors.New("driver: request already replied")
	ErrShutdown       = errors.New("driver: shutting down")
	ErrBadPayload     = errors.New("driver: unexpected payload")
)

// Error is a handler failure carrying its error-reply kind.
type Error struct {
	Kind string
	Msg  string
}

func (e *Error) Error() string     { return e.Msg }
func (e *Error) ErrorKind() string { return e.Kind }

// Errorf builds an Error of the given kind, e.g. Errorf(session.KindNotFound, "no key %q", k).
func Errorf(kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Payload asserts the decoded request payload to T.
func Payload[T any](payload any) (T, error) {
	switch v := payload.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: %T", ErrBadPayload, payload)
}
