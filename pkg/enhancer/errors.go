package enhancer

import (
	"errors"
	"fmt"
)

// UserError reports a problem with the input that the user can fix:
// metadata that contradicts the class structure, an undeterminable
// superclass, an exhausted constant pool, or failed output.
type UserError struct {
	Class  string
	Reason string
	Err    error
}

func (e *UserError) Error() string {
	s := fmt.Sprintf("%s: %s", e.Class, e.Reason)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *UserError) Unwrap() error { return e.Err }

func userErrorf(class, format string, args ...any) *UserError {
	return &UserError{Class: class, Reason: fmt.Sprintf(format, args...)}
}

// InternalError reports a broken invariant inside the enhancer, including
// recovered panics. Stack is set for panics.
type InternalError struct {
	Class  string
	Reason string
	Err    error
	Stack  []byte
}

func (e *InternalError) Error() string {
	s := fmt.Sprintf("internal error enhancing %s: %s", e.Class, e.Reason)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *InternalError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort a batch run. Format and user
// errors affect only their class.
func IsFatal(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}
