// Package status defines the error taxonomy shared by the execution core.
//
// Errors carry a [Code] so that callers can classify failures (for example to
// decide whether a status report should be retried) without matching on
// message text. Stack traces are attached with github.com/pkg/errors.
package status

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Code classifies an execution failure.
type Code int

const (
	CodeOK Code = iota
	// CodeParseFailure reports a malformed literal during row materialization.
	CodeParseFailure
	// CodeResourceExhausted reports that a memory budget was exceeded.
	CodeResourceExhausted
	// CodeCancelled reports coordinator- or user-initiated cancellation, and
	// use of an operator after it was finished.
	CodeCancelled
	// CodeUpstreamFailure reports that a producer of the current operator
	// failed.
	CodeUpstreamFailure
	// CodeNetworkFailure reports a failed status report delivery.
	CodeNetworkFailure
	// CodeContractViolation reports misuse of an operator or aggregator, such
	// as pushing when no input is needed or pushing a chunk with the wrong
	// schema.
	CodeContractViolation
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeParseFailure:
		return "PARSE_FAILURE"
	case CodeResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case CodeCancelled:
		return "CANCELLED"
	case CodeUpstreamFailure:
		return "UPSTREAM_FAILURE"
	case CodeNetworkFailure:
		return "NETWORK_FAILURE"
	case CodeContractViolation:
		return "CONTRACT_VIOLATION"
	case CodeInternal:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// ParseCode is the inverse of [Code.String]. Unknown names map to
// [CodeInternal].
func ParseCode(s string) Code {
	for c := CodeOK; c <= CodeInternal; c++ {
		if c.String() == s {
			return c
		}
	}
	return CodeInternal
}

// Error is an error with a [Code].
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		if e.Message == "" {
			return e.cause.Error()
		}
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same code. It allows
// sentinel comparisons such as errors.Is(err, status.New(status.CodeCancelled, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// New returns an error with the given code and message.
func New(code Code, message string) error {
	return pkgerrors.WithStack(&Error{Code: code, Message: message})
}

// Errorf returns an error with the given code and a formatted message.
func Errorf(code Code, format string, args ...any) error {
	return pkgerrors.WithStack(&Error{Code: code, Message: fmt.Sprintf(format, args...)})
}

// Wrap annotates err with a code and message. Wrap returns nil if err is nil.
func Wrap(code Code, err error, message string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(&Error{Code: code, Message: message, cause: err})
}

// CodeOf returns the code of the outermost *Error in err's chain. A nil error
// is [CodeOK]; context cancellation maps to [CodeCancelled]; any other
// uncoded error maps to [CodeInternal].
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Message returns the message of err for reporting purposes, or an empty
// string for a nil error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
