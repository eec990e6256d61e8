package session

import (
	"errors"
	"fmt"

	"cloudlet-rpc/codec"
)

var (
	ErrIllegalState       = errors.New("session: illegal state")
	ErrSessionClosed      = errors.New("session: closed")
	ErrUnmatchedOperation = errors.New("session: unmatched operation")
	ErrRemote             = errors.New("session: remote error")
)

// Error kinds carried in the error-kind metadata of error replies.
const (
	KindUnmatchedOperation = "unmatched-operation"
	KindCodec              = "codec"
	KindIllegalState       = "illegal-state"
	KindHandler            = "handler"
	KindTimeout            = "timeout"
	KindUnavailable        = "unavailable"
	KindNotFound           = "not-found"
	KindConflict           = "conflict"
)

// RemoteError is the failure reported by the peer in an error reply.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
}

// Is maps wire kinds back onto local sentinels so callers can use errors.Is across the
// session boundary.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrRemote:
		return true
	case ErrUnmatchedOperation:
		return e.Kind == KindUnmatchedOperation
	case codec.ErrPayloadCodec:
		return e.Kind == KindCodec
	case ErrIllegalState:
		return e.Kind == KindIllegalState
	}
	return false
}

// Kinded is implemented by errors that choose their own error-reply kind.
type Kinded interface {
	ErrorKind() string
}

// KindOf picks the error-kind for a local failure about to be sent as an error reply.
func KindOf(err error) string {
	var remote *RemoteError
	var kinded Kinded
	switch {
	case errors.As(err, &remote):
		return remote.Kind
	case errors.As(err, &kinded):
		return kinded.ErrorKind()
	case errors.Is(err, ErrUnmatchedOperation):
		return KindUnmatchedOperation
	case errors.Is(err, codec.ErrPayloadCodec):
		return KindCodec
	case errors.Is(err, ErrIllegalState):
		return KindIllegalState
	}
	return KindHandler
}

func closedError(cause error) error {
	if cause == nil || errors.Is(cause, ErrSessionClosed) {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %v", ErrSessionClosed, cause)
}
