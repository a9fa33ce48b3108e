package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"smartsession/pkg/metrics"
)

var (
	// ErrRefreshExpired means the server rejected the refresh token (400/401).
	// The session cannot be recovered without a new login.
	ErrRefreshExpired = errors.New("refresh token rejected")

	// ErrRefreshTransient covers network failures, timeouts and 5xx answers.
	ErrRefreshTransient = errors.New("refresh failed")
)

// Refresh trades a refresh token for a new access token. If the server does
// not rotate the refresh token the old one is carried over.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*Bundle, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token available", ErrRefreshExpired)
	}

	start := time.Now()
	tokenSource := p.OAuth2Config.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := tokenSource.Token()
	metrics.TokenRefreshDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if isRejected(err) {
			metrics.RecordTokenRefreshFailure("expired")
			p.logger.Info("REFRESH_REJECTED", zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrRefreshExpired, err)
		}
		metrics.RecordTokenRefreshFailure("transient")
		p.logger.Warn("REFRESH_FAILED", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrRefreshTransient, err)
	}

	metrics.RecordTokenRefreshSuccess()
	bundle := bundleFromToken(token)
	p.logger.Debug("REFRESH_SUCCESS",
		zap.Bool("rotated", bundle.RefreshToken != refreshToken),
		zap.Time("expiry", bundle.Expiry))
	return bundle, nil
}

// isRejected reports whether the token endpoint answered 400 or 401.
func isRejected(err error) bool {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) || rerr.Response == nil {
		return false
	}
	switch rerr.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return true
	default:
		return false
	}
}
