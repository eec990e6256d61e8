package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// JSONCoder serializes payloads of type T with encoding/json.
// Decode always yields a T value, never a pointer to one.
type JSONCoder[T any] struct{}

func JSON[T any]() JSONCoder[T] {
	return JSONCoder[T]{}
}

func (c JSONCoder[T]) Name() string {
	var zero T
	return "json:" + reflect.TypeOf(&zero).Elem().String()
}

func (c JSONCoder[T]) Encode(v any) ([]byte, error) {
	var value T
	switch x := v.(type) {
	case T:
		value = x
	case *T:
		if x == nil {
			return nil, encodeError(c.Name(), fmt.Errorf("nil %T", v))
		}
		value = *x
	default:
		return nil, encodeError(c.Name(), fmt.Errorf("unexpected payload type %T", v))
	}
	out, err := json.Marshal(value)
	if err != nil {
		return nil, encodeError(c.Name(), err)
	}
	return out, nil
}

func (c JSONCoder[T]) Decode(data []byte) (any, error) {
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, decodeError(c.Name(), err)
	}
	return value, nil
}
