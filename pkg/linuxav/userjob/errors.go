package userjob

import (
	"fmt"
)

// ErrorCode identifies a class of mailbox failure.
type ErrorCode string

// ErrorCode constants for mailbox errors.
const (
	CodeBusy       ErrorCode = "BUSY"
	CodeTimeout    ErrorCode = "TIMEOUT"
	CodeDeviceLost ErrorCode = "DEVICE_LOST"
	CodeRejected   ErrorCode = "REJECTED"
	CodeClosed     ErrorCode = "CLOSED"
	CodeCancelled  ErrorCode = "CANCELLED"
)

// Sentinels for errors.Is. Only the code is compared.
var (
	ErrBusy       = &Error{Code: CodeBusy, Message: "another job is outstanding"}
	ErrTimeout    = &Error{Code: CodeTimeout, Message: "collaborator did not answer"}
	ErrDeviceLost = &Error{Code: CodeDeviceLost, Message: "device lost"}
	ErrRejected   = &Error{Code: CodeRejected, Message: "collaborator rejected job"}
	ErrClosed     = &Error{Code: CodeClosed, Message: "mailbox closed"}
	ErrCancelled  = &Error{Code: CodeCancelled, Message: "caller gave up waiting"}
)

// Error is a mailbox failure tied to the job that caused it.
type Error struct {
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	Kind     Kind      `json:"kind,omitempty"`
	Sequence uint16    `json:"sequence,omitempty"`
	Status   int32     `json:"status,omitempty"`
	Cause    error     `json:"cause,omitempty"`
}

func jobError(code ErrorCode, message string, job Job) *Error {
	return &Error{Code: code, Message: message, Kind: job.Kind, Sequence: job.Sequence}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Kind != 0 {
		msg = fmt.Sprintf("%s (job %s #%d)", msg, e.Kind, e.Sequence)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
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
