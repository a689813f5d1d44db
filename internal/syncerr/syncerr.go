// Package syncerr defines the error taxonomy shared by the sync pipeline.
//
// Every error carries a Code. Per-item codes (enumeration, copy, integrity)
// end up as Failed outcomes and never stop a run; structural codes
// (planning invariant, safeguard violation) abort it.
package syncerr

import (
	"errors"
	"fmt"
)

// Code identifies an error category
type Code string

const (
	CodeUnknown            Code = "UNKNOWN"
	CodeConfiguration      Code = "CONFIGURATION"
	CodeEnumeration        Code = "ENUMERATION"
	CodePlanningInvariant  Code = "PLANNING_INVARIANT"
	CodeCopy               Code = "COPY"
	CodeIntegrityMismatch  Code = "INTEGRITY_MISMATCH"
	CodeSafeguardViolation Code = "SAFEGUARD_VIOLATION"
	CodeCancelled          Code = "CANCELLED"
)

// Error is a coded error attached to an optional relative path
type Error struct {
	Code    Code
	Path    string
	Message string
	Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.Path != "" {
		prefix += " " + e.Path + ":"
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code && (t.Path == "" || t.Path == e.Path)
	}
	return false
}

// Sentinels usable with errors.Is
var (
	ErrConfiguration      = &Error{Code: CodeConfiguration}
	ErrEnumeration        = &Error{Code: CodeEnumeration}
	ErrPlanningInvariant  = &Error{Code: CodePlanningInvariant}
	ErrCopy               = &Error{Code: CodeCopy}
	ErrIntegrityMismatch  = &Error{Code: CodeIntegrityMismatch}
	ErrSafeguardViolation = &Error{Code: CodeSafeguardViolation}
	ErrCancelled          = &Error{Code: CodeCancelled}
)

// New creates an error for path with a formatted message
func New(code Code, path, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps err; it returns nil when err is nil
func Wrap(err error, code Code, path, message string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Path:    path,
		Message: message,
		Wrapped: err,
	}
}

// CodeOf returns the code of the outermost *Error in err's chain
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Fatal reports whether err must abort the whole run.
func Fatal(err error) bool {
	switch CodeOf(err) {
	case CodePlanningInvariant, CodeSafeguardViolation, CodeCancelled:
		return true
	}
	return false
}
