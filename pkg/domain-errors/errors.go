// Package domainerrors carries typed, code-bearing errors from services to
// callers. Controllers translate codes into protocol responses; stores never
// return these directly (they return pkg/platform/sentinel facts instead).
package domainerrors

import (
	"errors"
	"fmt"
)

// Code identifies an error class that callers can branch on.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeInvalidInput       Code = "invalid_input"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeForbidden          Code = "forbidden"
	CodeInternal           Code = "internal"
	CodeTimeout            Code = "timeout"
	CodeInvariantViolation Code = "invariant_violation"

	// Session lifecycle
	CodeInvalidStateTransition Code = "invalid_state_transition"

	// OTP challenge
	CodeRateLimited      Code = "rate_limited"
	CodeExpired          Code = "expired"
	CodeAttemptsExceeded Code = "attempts_exceeded"
	CodeInvalidCode      Code = "invalid_code"

	// Document processing
	CodeScanFailed       Code = "scan_failed"
	CodeExtractionFailed Code = "extraction_failed"
	CodeDocumentExpired  Code = "document_expired"

	// Fraud and data integrity
	CodeDuplicateDocument Code = "duplicate_document"
	CodeDecryptionFailed  Code = "decryption_failed"

	// External capabilities
	CodeCapabilityTimeout Code = "capability_timeout"
	CodeUnavailable       Code = "unavailable"
)

// Error is a domain error with a stable code and a user-safe message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a domain error without an underlying cause.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error. A nil err still
// yields a coded error so call sites can wrap unconditionally.
func Wrap(err error, code Code, msg string) error {
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any error in the chain carries code.
func HasCode(err error, code Code) bool {
	var de *Error
	for err != nil {
		if errors.As(err, &de) {
			if de.Code == code {
				return true
			}
			err = de.Err
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the outermost domain code, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
