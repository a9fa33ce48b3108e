// Package pkce generates RFC 7636 verifier/challenge pairs and OAuth state values.
package pkce

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// VerifierLength is the number of characters in a generated verifier.
	// RFC 7636 allows 43 to 128.
	VerifierLength = 128

	// MethodS256 is the only challenge method this package produces.
	MethodS256 = "S256"

	stateBytes = 32
)

// unreserved is the RFC 3986 unreserved character set allowed in verifiers.
const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// Pair is one verifier and its S256 challenge.
type Pair struct {
	Verifier  string
	Challenge string
	Method    string
}

// GenerateVerifier returns a VerifierLength string drawn uniformly from the
// unreserved alphabet using crypto/rand.
func GenerateVerifier() (string, error) {
	// 66 symbols do not divide 256; bytes at or above limit are discarded
	// so every symbol is equally likely.
	const limit = 256 - (256 % len(unreserved))

	out := make([]byte, 0, VerifierLength)
	buf := make([]byte, VerifierLength)
	for len(out) < VerifierLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate random bytes for PKCE: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, unreserved[int(b)%len(unreserved)])
			if len(out) == VerifierLength {
				break
			}
		}
	}
	return string(out), nil
}

// DeriveChallenge returns BASE64URL(SHA256(verifier)) without padding.
func DeriveChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Generate returns a fresh verifier and its challenge.
func Generate() (*Pair, error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return nil, err
	}
	return &Pair{
		Verifier:  verifier,
		Challenge: DeriveChallenge(verifier),
		Method:    MethodS256,
	}, nil
}

// GenerateState generates a cryptographically secure random state parameter
func GenerateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
