package proxyerrors

import (
	"errors"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(ErrCircuitOpen, "circuit breaker is open", nil)

	if !errors.Is(err, New(ErrCircuitOpen, "different message", nil)) {
		t.Error("expected errors with the same code to match via errors.Is")
	}
	if errors.Is(err, New(ErrTimeout, "", nil)) {
		t.Error("expected errors with different codes not to match")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New(ErrUpstreamConnect, "failed to connect", cause)

	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose the wrapped cause")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(ErrNoRoute, "no route", nil)); got != ErrNoRoute {
		t.Errorf("CodeOf = %q, want %q", got, ErrNoRoute)
	}
	if got := CodeOf(errors.New("plain error")); got != "" {
		t.Errorf("CodeOf on a plain error = %q, want empty", got)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	wrapped := Wrap(cause, ErrCertIO, "could not read cert dir")
	if wrapped.Unwrap() != cause {
		t.Error("expected Wrap to preserve the original cause")
	}
}
