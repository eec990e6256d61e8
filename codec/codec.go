// Package codec holds the payload coders bound to message specifications.
//
// A payload coder turns the application value carried by one message into bytes and
// back. Every specification of a protocol names exactly one coder, so both ends of a
// session agree on the payload shape without negotiating it on the wire.
package codec

import (
	"errors"
	"fmt"
)

// PayloadCoder encodes and decodes one message's application payload.
// Encode and Decode must round-trip every value the protocol can legally carry.
type PayloadCoder interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
	Name() string
}

// ErrPayloadCodec is matched by every failure of a payload coder.
var ErrPayloadCodec = errors.New("codec: payload codec error")

// Error reports a payload that does not match the coder's declared shape.
type Error struct {
	Coder string
	Op    string // "encode" or "decode"
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec: %s %s: %v", e.Coder, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrPayloadCodec
}

func encodeError(coder string, err error) error {
	return &Error{Coder: coder, Op: "encode", Err: err}
}

func decodeError(coder string, err error) error {
	return &Error{Coder: coder, Op: "decode", Err: err}
}
