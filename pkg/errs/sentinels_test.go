package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRedirectable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "not logged in", err: ErrNotLoggedIn, want: true},
		{name: "wrapped token expired", err: fmt.Errorf("refresh: %w", ErrTokenExpired), want: true},
		{name: "missing verifier", err: ErrMissingVerifier, want: true},
		{name: "state mismatch", err: ErrStateMismatch, want: false},
		{name: "terminal 401", err: ErrUnauthorizedTerminal, want: false},
		{name: "transient", err: ErrTransientNetwork, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRedirectable(tt.err); got != tt.want {
				t.Errorf("IsRedirectable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestApplicationErrorMessage(t *testing.T) {
	err := fmt.Errorf("call: %w", &ApplicationError{Status: 500, Code: 7, Msg: "database unavailable"})

	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("errors.As() failed for %v", err)
	}
	if appErr.Msg != "database unavailable" {
		t.Errorf("Msg = %q, want %q", appErr.Msg, "database unavailable")
	}

	bare := &ApplicationError{Status: 404}
	if bare.Error() != "request failed (status 404, code 0)" {
		t.Errorf("Error() = %q", bare.Error())
	}
}
