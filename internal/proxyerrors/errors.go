// Package proxyerrors defines the error-kind taxonomy shared across the
// proxy's components. Components raise one of these kinds rather than ad
// hoc error values so that callers higher up the request pipeline (the
// connection driver, the admin handler) can map a failure to the correct
// status code or metric without parsing error strings.
package proxyerrors

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies the kind of failure, independent of the human-readable
// message attached to it.
type Code string

const (
	ErrConfigInvalid     Code = "CONFIG_INVALID"
	ErrRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	ErrCircuitOpen       Code = "CIRCUIT_OPEN"
	ErrTimeout           Code = "TIMEOUT"
	ErrSSLCertificate    Code = "SSL_CERTIFICATE_ERROR"
	ErrMalformedRequest  Code = "MALFORMED_REQUEST"
	ErrOversizeRequest   Code = "OVERSIZE_REQUEST"
	ErrNoRoute           Code = "NO_ROUTE"
	ErrUpstreamConnect   Code = "UPSTREAM_CONNECT"
	ErrUpstreamStream    Code = "UPSTREAM_STREAM"
	ErrACMEFailure       Code = "ACME_FAILURE"
	ErrCertIO            Code = "CERT_IO"
)

// Error carries a Code plus context. It implements Is/As/Unwrap so callers
// can use the standard errors package against it.
type Error struct {
	Code      Code
	Message   string
	Timestamp time.Time
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v (at %s)", e.Code, e.Message, e.Err, e.Timestamp.Format(time.RFC3339))
	}
	return fmt.Sprintf("[%s] %s (at %s)", e.Code, e.Message, e.Timestamp.Format(time.RFC3339))
}

// New creates a new Error carrying the given code, message, and optional
// wrapped cause.
func New(code Code, message string, err error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Is implements error matching by Code alone, so errors.Is(err,
// proxyerrors.New(ErrTimeout, "", nil)) matches any ErrTimeout regardless of
// message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// As is a convenience wrapper over the standard errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is is a convenience wrapper over the standard errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap attaches a code and message to an existing error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error.
func CodeOf(err error) Code {
	var e *Error
	if As(err, &e) {
		return e.Code
	}
	return ""
}
