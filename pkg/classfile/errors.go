package classfile

import (
	"errors"
	"fmt"
)

// ErrPoolOverflow is returned when an insertion would exceed the 65535-slot
// limit of the constant pool.
var ErrPoolOverflow = errors.New("constant pool overflow")

// FormatError reports a malformed or truncated class file. Offset is the
// byte position in the input where decoding failed, or -1 when the problem
// was found after decoding (for example while linking pool references).
type FormatError struct {
	Offset int64
	Msg    string
	Err    error
}

func (e *FormatError) Error() string {
	var s string
	if e.Offset >= 0 {
		s = fmt.Sprintf("class format error at offset %d: %s", e.Offset, e.Msg)
	} else {
		s = "class format error: " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func formatErrorf(format string, args ...any) *FormatError {
	return &FormatError{Offset: -1, Msg: fmt.Sprintf(format, args...)}
}
