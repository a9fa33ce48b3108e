// Package errs contains the session error taxonomy shared by the session
// state machine, the gateway and the CLI.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLoggedIn indicates there is no refresh material to recover the session with.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrTokenExpired indicates the authorization server rejected the refresh token.
	ErrTokenExpired = errors.New("token expired")

	// ErrExchangeFailed indicates the authorization code was rejected (reused, expired or invalid).
	ErrExchangeFailed = errors.New("authorization code exchange failed")

	// ErrMissingVerifier indicates a callback arrived with no stored PKCE verifier.
	ErrMissingVerifier = errors.New("missing PKCE verifier")

	// ErrStateMismatch indicates a callback whose state does not belong to the stored verifier.
	ErrStateMismatch = errors.New("authorization state mismatch")

	// ErrTransientNetwork indicates a timeout, transport error or 5xx.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrUnauthorizedTerminal indicates a second 401 after one refresh-and-retry.
	ErrUnauthorizedTerminal = errors.New("unauthorized after credential refresh")

	// ErrSessionInvalidated indicates the resource server invalidated the server-side session.
	ErrSessionInvalidated = errors.New("session invalidated")

	// ErrLoginRequired is returned for calls that were handed over to the login redirect flow.
	ErrLoginRequired = errors.New("login required")
)

// ApplicationError is a business-logic failure reported through the
// {code,msg,success,data} envelope or a bare non-2xx status.
type ApplicationError struct {
	Status int
	Code   int
	Msg    string
}

func (e *ApplicationError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("request failed (status %d, code %d): %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("request failed (status %d, code %d)", e.Status, e.Code)
}

// IsRedirectable reports whether err must be handled by the login redirect
// flow rather than by a silent refresh.
func IsRedirectable(err error) bool {
	return errors.Is(err, ErrNotLoggedIn) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrMissingVerifier)
}
