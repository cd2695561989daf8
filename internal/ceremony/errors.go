package ceremony

import (
	"errors"
	"fmt"
	"time"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeNotFound             Code = "NOT_FOUND"
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
	CodeNotEligible          Code = "NOT_ELIGIBLE"
	CodeNoMatch              Code = "NO_MATCH"
	CodeEmptyQueue           Code = "EMPTY_QUEUE"
	CodeAlreadyQueued        Code = "ALREADY_QUEUED"
	CodeAlreadyAnnounced     Code = "ALREADY_ANNOUNCED"
	CodeAlreadyRegistered    Code = "ALREADY_REGISTERED"
	CodeConfirmationRequired Code = "CONFIRMATION_REQUIRED"
	CodeInvariantViolation   Code = "INVARIANT_VIOLATION"
	CodeGateway              Code = "GATEWAY_ERROR"
)

// Error is a domain outcome carrying a code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrNotFound             = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidArgument      = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrNotEligible          = &Error{Code: CodeNotEligible, Message: "not eligible"}
	ErrNoMatch              = &Error{Code: CodeNoMatch, Message: "no match"}
	ErrEmptyQueue           = &Error{Code: CodeEmptyQueue, Message: "queue is empty"}
	ErrAlreadyQueued        = &Error{Code: CodeAlreadyQueued, Message: "already queued"}
	ErrAlreadyAnnounced     = &Error{Code: CodeAlreadyAnnounced, Message: "already announced"}
	ErrAlreadyRegistered    = &Error{Code: CodeAlreadyRegistered, Message: "already registered"}
	ErrConfirmationRequired = &Error{Code: CodeConfirmationRequired, Message: "confirmation required"}
	ErrInvariantViolation   = &Error{Code: CodeInvariantViolation, Message: "invariant violation"}
)

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Errorf builds a coded error. Store implementations use it to report
// constraint outcomes.
func Errorf(code Code, format string, args ...any) error {
	return newError(code, format, args...)
}

// Invalidf builds an INVALID_ARGUMENT error.
func Invalidf(format string, args ...any) error {
	return newError(CodeInvalidArgument, format, args...)
}

// NotFoundf builds a NOT_FOUND error.
func NotFoundf(format string, args ...any) error {
	return newError(CodeNotFound, format, args...)
}

func notEligiblef(format string, args ...any) error {
	return newError(CodeNotEligible, format, args...)
}

func violationf(format string, args ...any) error {
	return newError(CodeInvariantViolation, format, args...)
}

// CodeOf extracts the code of err, CodeGateway for gateway failures and ""
// for anything unclassified.
func CodeOf(err error) Code {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return CodeGateway
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsInformational reports outcomes that are idempotent no-ops rather than
// failures.
func IsInformational(err error) bool {
	switch CodeOf(err) {
	case CodeAlreadyQueued, CodeAlreadyAnnounced:
		return true
	}
	return false
}

// GatewayError reports a failed call to the verification gateway. Nothing
// was written when it is returned, so the caller may retry.
type GatewayError struct {
	Op      string
	Method  Method
	Timeout bool
	Elapsed time.Duration
	Cause   error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("gateway %s (%s)", e.Op, e.Method)
	if e.Timeout {
		msg += " timed out"
	} else {
		msg += " failed"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Cause }

// IsGatewayError reports whether err stems from the verification gateway.
func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}
