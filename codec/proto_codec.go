package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ProtoCoder serializes protobuf messages of type T.
type ProtoCoder[T proto.Message] struct {
	newMessage func() T
}

// Proto returns a coder that allocates fresh messages with newMessage before decoding.
func Proto[T proto.Message](newMessage func() T) ProtoCoder[T] {
	return ProtoCoder[T]{newMessage: newMessage}
}

func (c ProtoCoder[T]) Name() string {
	return "proto:" + string(c.newMessage().ProtoReflect().Descriptor().FullName())
}

func (c ProtoCoder[T]) Encode(v any) ([]byte, error) {
	msg, ok := v.(T)
	if !ok {
		return nil, encodeError(c.Name(), fmt.Errorf("unexpected payload type %T", v))
	}
	out, err := proto.Marshal(msg)
	if err != nil {
		return nil, encodeError(c.Name(), err)
	}
	return out, nil
}

func (c ProtoCoder[T]) Decode(data []byte) (any, error) {
	msg := c.newMessage()
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, decodeError(c.Name(), err)
	}
	return msg, nil
}
