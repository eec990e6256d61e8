package codec

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

// Shared coder values for specifications that carry raw payloads.
var (
	Bytes  PayloadCoder = BytesCoder{}
	String PayloadCoder = StringCoder{}
	Empty  PayloadCoder = EmptyCoder{}
)

// BytesCoder passes pre-encoded payloads through unchanged.
type BytesCoder struct{}

func (BytesCoder) Name() string { return "bytes" }

func (c BytesCoder) Encode(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return bytes.Clone(x), nil
	case nil:
		return []byte{}, nil
	default:
		return nil, encodeError(c.Name(), fmt.Errorf("unexpected payload type %T", v))
	}
}

func (BytesCoder) Decode(data []byte) (any, error) {
	return bytes.Clone(data), nil
}

// StringCoder carries a UTF-8 string.
type StringCoder struct{}

func (StringCoder) Name() string { return "string" }

func (c StringCoder) Encode(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, encodeError(c.Name(), fmt.Errorf("unexpected payload type %T", v))
	}
	return []byte(s), nil
}

func (c StringCoder) Decode(data []byte) (any, error) {
	if !utf8.Valid(data) {
		return nil, decodeError(c.Name(), fmt.Errorf("invalid utf-8"))
	}
	return string(data), nil
}

// EmptyCoder is bound to specifications without a payload.
type EmptyCoder struct{}

func (EmptyCoder) Name() string { return "empty" }

func (c EmptyCoder) Encode(v any) ([]byte, error) {
	switch v.(type) {
	case nil, struct{}, *struct{}:
		return []byte{}, nil
	default:
		return nil, encodeError(c.Name(), fmt.Errorf("unexpected payload type %T", v))
	}
}

func (c EmptyCoder) Decode(data []byte) (any, error) {
	if len(data) != 0 {
		return nil, decodeError(c.Name(), fmt.Errorf("%d unexpected bytes", len(data)))
	}
	return struct{}{}, nil
}
