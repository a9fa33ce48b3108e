package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"smartsession/pkg/errs"
	"smartsession/pkg/pkce"
)

// AuthCodeURL builds the authorization redirect URL for one login attempt.
func (p *Provider) AuthCodeURL(state, challenge string) string {
	return p.OAuth2Config.AuthCodeURL(
		state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.MethodS256),
	)
}

// ExchangeCode redeems an authorization code with its PKCE verifier.
// A rejected code fails with errs.ErrExchangeFailed and must not be retried.
func (p *Provider) ExchangeCode(ctx context.Context, code, verifier string) (*Bundle, error) {
	token, err := p.OAuth2Config.Exchange(
		p.clientContext(ctx),
		code,
		oauth2.VerifierOption(verifier),
	)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			p.logger.Warn("EXCHANGE_REJECTED",
				zap.String("error_code", rerr.ErrorCode),
				zap.String("description", rerr.ErrorDescription))
			return nil, fmt.Errorf("%w: %s", errs.ErrExchangeFailed, describe(rerr))
		}
		p.logger.Warn("EXCHANGE_FAILED", zap.Error(err))
		return nil, fmt.Errorf("%w: code exchange: %w", errs.ErrTransientNetwork, err)
	}

	bundle := bundleFromToken(token)
	p.logger.Debug("EXCHANGE_SUCCESS",
		zap.Bool("refresh_token", bundle.RefreshToken != ""),
		zap.Bool("id_token", bundle.IDToken != ""),
		zap.Time("expiry", bundle.Expiry))
	return bundle, nil
}

// LogoutURL returns the end-session URL with the registered post-logout
// target, or "" when the server has no logout endpoint.
func (p *Provider) LogoutURL() string {
	if p.logoutURL == "" {
		return ""
	}
	u, err := url.Parse(p.logoutURL)
	if err != nil {
		p.logger.Warn("LOGOUT_URL_INVALID", zap.String("url", p.logoutURL), zap.Error(err))
		return ""
	}
	q := u.Query()
	if p.postLogoutRedirectURL != "" {
		q.Set("post_logout_redirect_uri", p.postLogoutRedirectURL)
	}
	q.Set("client_id", p.OAuth2Config.ClientID)
	u.RawQuery = q.Encode()
	return u.String()
}

func describe(rerr *oauth2.RetrieveError) string {
	status := 0
	if rerr.Response != nil {
		status = rerr.Response.StatusCode
	}
	switch {
	case rerr.ErrorCode != "" && rerr.ErrorDescription != "":
		return fmt.Sprintf("%s - %s (status %d)", rerr.ErrorCode, rerr.ErrorDescription, status)
	case rerr.ErrorCode != "":
		return fmt.Sprintf("%s (status %d)", rerr.ErrorCode, status)
	default:
		return fmt.Sprintf("status %d", status)
	}
}
