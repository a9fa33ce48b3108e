package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSubject is returned when an ID token carries no subject.
var ErrNoSubject = errors.New("id token has no subject")

// UserID extracts the subject of an ID token. When discovery produced a
// verifier the token is fully verified; otherwise the claim is read
// without checking the signature and is only fit for display.
func (p *Provider) UserID(ctx context.Context, rawIDToken string) (string, error) {
	if rawIDToken == "" {
		return "", ErrNoSubject
	}

	if p.IDTokenVerifier != nil {
		idToken, err := p.IDTokenVerifier.Verify(p.clientContext(ctx), rawIDToken)
		if err != nil {
			return "", fmt.Errorf("failed to verify ID token: %w", err)
		}
		if idToken.Subject == "" {
			return "", ErrNoSubject
		}
		return idToken.Subject, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawIDToken, claims); err != nil {
		return "", fmt.Errorf("failed to parse ID token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("failed to read subject: %w", err)
	}
	if sub == "" {
		return "", ErrNoSubject
	}
	return sub, nil
}
