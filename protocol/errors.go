package protocol

import (
	"errors"
	"fmt"
)

// ErrFraming is matched by every decode/encode failure of this package.
var ErrFraming = errors.New("protocol: framing error")

var (
	ErrShortHeader        = errors.New("protocol: short header")
	ErrInvalidMagic       = errors.New("protocol: invalid magic number")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrLengthMismatch     = errors.New("protocol: frame length mismatch")
	ErrChecksumMismatch   = errors.New("protocol: checksum mismatch")
	ErrTruncated          = errors.New("protocol: truncated metadata")
	ErrDuplicateKey       = errors.New("protocol: duplicate metadata key")
	ErrEmptyKey           = errors.New("protocol: empty metadata key")
	ErrTooLarge           = errors.New("protocol: frame exceeds limits")
)

// FramingError describes malformed wire data. It matches both ErrFraming and the
// specific cause with errors.Is.
type FramingError struct {
	Cause  error
	Detail string
}

func (e *FramingError) Error() string {
	if e.Detail == "" {
		return e.Cause.Error()
	}
	return fmt.Sprintf("%s: %s", e.Cause, e.Detail)
}

func (e *FramingError) Unwrap() error {
	return e.Cause
}

func (e *FramingError) Is(target error) bool {
	return target == ErrFraming
}

func framingError(cause error, format string, args ...any) error {
	return &FramingError{Cause: cause, Detail: fmt.Sprintf(format, args...)}
}
