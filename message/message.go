// Package message defines the protocol schema and the typed messages exchanged by sessions.
//
// A Protocol is a closed, versioned set of Specifications. Each Specification binds a
// unique identifier to a Type (request, reply or notification), the operation it belongs
// to, and the payload coder used for its content. Specifications are built once at
// protocol-design time and shared read-only by every session speaking that protocol.
package message

import (
	"cloudlet-rpc/codec"
)

// Type classifies a message's direction.
type Type byte

const (
	Request      Type = 0 // expects exactly one Reply carrying the same correlation id
	Reply        Type = 1
	Notification Type = 2 // fire and forget, never answered
)

func (t Type) String() string {
	switch t {
	case Request:
		return "request"
	case Reply:
		return "reply"
	case Notification:
		return "notification"
	default:
		return "unknown"
	}
}

// ParseType maps a wire kind back to a Type.
func ParseType(s string) (Type, bool) {
	switch s {
	case "request":
		return Request, true
	case "reply":
		return Reply, true
	case "notification":
		return Notification, true
	default:
		return 0, false
	}
}

// Metadata keys carried in every channel message.
const (
	KeySpecification = "spec"
	KeyKind          = "kind"
	KeyProtocol      = "protocol"
	KeyCorrelation   = "correlation"
	KeyResource      = "resource"
	KeyError         = "error"
	KeyErrorKind     = "error-kind"
)

// Specification is the static description of one message kind.
type Specification struct {
	Identifier string
	Type       Type
	Operation  string
	Coder      codec.PayloadCoder
}

// Message is one protocol-level unit. It is built by the sender, consumed once by the
// receiving dispatch path and never mutated after send.
type Message struct {
	Specification *Specification
	Session       string // owning session id; set on inbound messages
	Correlation   string // request/reply matching; empty on notifications
	Resource      string // target resource id, empty when addressing the driver itself
	Payload       any
}

// Operation returns the operation identifier of the message's specification.
func (m *Message) Operation() string {
	if m.Specification == nil {
		return ""
	}
	return m.Specification.Operation
}

// Outcome is what an operation handler produces for one request: a reply payload or an error.
type Outcome struct {
	Payload any
	Err     error
}

func Success(payload any) *Outcome {
	return &Outcome{Payload: payload}
}

func Failure(err error) *Outcome {
	return &Outcome{Err: err}
}
