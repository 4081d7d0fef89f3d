package vbuf

import (
	"fmt"
)

// ErrorCode identifies a class of buffer queue failure.
type ErrorCode string

// ErrorCode constants for buffer queue errors.
const (
	CodeUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	CodeSizeMismatch      ErrorCode = "SIZE_MISMATCH"
	CodeInvalidState      ErrorCode = "INVALID_STATE"
	CodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	CodeWouldBlock        ErrorCode = "WOULD_BLOCK"
)

// Sentinels for errors.Is. Only the code is compared.
var (
	ErrUnsupportedFormat = &Error{Code: CodeUnsupportedFormat, Message: "unsupported format"}
	ErrSizeMismatch      = &Error{Code: CodeSizeMismatch, Message: "plane size mismatch"}
	ErrInvalidState      = &Error{Code: CodeInvalidState, Message: "invalid state"}
	ErrResourceExhausted = &Error{Code: CodeResourceExhausted, Message: "resource exhausted"}
	ErrWouldBlock        = &Error{Code: CodeWouldBlock, Message: "no buffer ready"}
)

// Error represents an error in the vbuf package.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	Cause   error          `json:"cause,omitempty"`
}

// newError creates a new vbuf error.
func newError(code ErrorCode, message string, context map[string]any) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: context,
	}
}

// newErrorWithCause creates a new vbuf error wrapping cause.
func newErrorWithCause(code ErrorCode, message string, cause error, context map[string]any) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: context,
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// invalidState is shorthand for the most common caller error.
func invalidState(index uint32, state State, op string) *Error {
	return newError(CodeInvalidState,
		fmt.Sprintf("cannot %s buffer %d in state %s", op, index, state),
		map[string]any{"index": index, "state": state.String(), "op": op})
}
