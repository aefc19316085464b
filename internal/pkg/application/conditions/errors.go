package conditions

import (
	"errors"
	"fmt"
)

var (
	ErrUnresolvedField = errors.New("unresolved field")
	ErrUnknownFunction = errors.New("unknown function")
	ErrArityMismatch   = errors.New("arity mismatch")
	ErrTypeMismatch    = errors.New("type mismatch")
)

// CompileError describes why a condition tree could not be compiled. Kind is one of
// the sentinel errors above and is what errors.Is matches against.
type CompileError struct {
	Kind    error
	Message string
	Err     error
}

func (e *CompileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CompileError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func compileError(kind error, format string, args ...any) *CompileError {
	return &CompileError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
