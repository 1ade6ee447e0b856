package structure

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is wrapped by every input contract violation.
var ErrInvalidInput = errors.New("invalid input")

// InputError describes one contract violation with enough context to find
// the offending row.
type InputError struct {
	Field  string
	Index  int // -1 when the error is not about a single row
	Value  any
	Reason string
}

func (e *InputError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s: %s", ErrInvalidInput, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s[%d]=%v: %s", ErrInvalidInput, e.Field, e.Index, e.Value, e.Reason)
}

func (e *InputError) Unwrap() error {
	return ErrInvalidInput
}

func inputErr(field string, index int, value any, format string, args ...any) *InputError {
	return &InputError{Field: field, Index: index, Value: value, Reason: fmt.Sprintf(format, args...)}
}

func shapeErr(field string, format string, args ...any) *InputError {
	return &InputError{Field: field, Index: -1, Reason: fmt.Sprintf(format, args...)}
}

// NewInputError reports a bad value at one row of a batch field.
func NewInputError(field string, index int, value any, format string, args ...any) *InputError {
	return inputErr(field, index, value, format, args...)
}
