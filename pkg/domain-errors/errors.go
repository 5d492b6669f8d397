// Package domainerrors defines the error taxonomy shared by services and transport.
//
// Services return *Error values carrying a Code; handlers translate the code into an
// HTTP status through httputil.WriteError. Details carry machine-readable context
// (current status, allowed transitions, existing controller) so clients never parse
// messages.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeConflict           Code = "conflict"
	CodeNotFound           Code = "not_found"
	CodeInvalidTransition  Code = "invalid_transition"
	CodeQuotaExceeded      Code = "quota_exceeded"
	CodeSignatureInvalid   Code = "signature_invalid"
	CodeIntegrityViolation Code = "integrity_violation"
	CodeUpstream           Code = "upstream_error"
	CodeStaleVersion       Code = "stale_version"
	CodePreconditionFailed Code = "precondition_failed"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeTimeout            Code = "timeout"
	CodeInvariantViolation Code = "invariant_violation"
	CodeInternal           Code = "internal_error"
)

// Retryable reports whether a caller may retry the same operation with the same
// idempotency key.
func (c Code) Retryable() bool {
	return c == CodeUpstream || c == CodeTimeout
}

// Error is the domain error value.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a domain error with the given code.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// WithDetails returns a copy of e with the given details merged in.
func (e *Error) WithDetails(kv map[string]any) *Error {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+len(kv))
	for k, v := range e.Details {
		out.Details[k] = v
	}
	for k, v := range kv {
		out.Details[k] = v
	}
	return &out
}

// As extracts the outermost *Error from err.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	de, ok := As(err)
	return ok && de.Code == code
}

// HasCode is an alias of Is kept for readability at call sites that branch on codes.
func HasCode(err error, code Code) bool {
	return Is(err, code)
}

// CodeOf returns the code of err, or CodeInternal for non-domain errors.
func CodeOf(err error) Code {
	if de, ok := As(err); ok {
		return de.Code
	}
	return CodeInternal
}
