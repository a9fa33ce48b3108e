package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"smartsession/pkg/metrics"
)

// ErrNoRevocationEndpoint is returned when the server advertises no revocation endpoint.
var ErrNoRevocationEndpoint = errors.New("no revocation endpoint configured")

// Revoke asks the server to revoke a refresh token. The response body is
// ignored. Callers treat every error as non-fatal.
func (p *Provider) Revoke(ctx context.Context, refreshToken string) error {
	if p.revocationURL == "" {
		metrics.RecordRevocation("skipped")
		return ErrNoRevocationEndpoint
	}
	if refreshToken == "" {
		metrics.RecordRevocation("skipped")
		return nil
	}

	form := url.Values{
		"client_id":       {p.OAuth2Config.ClientID},
		"token":           {refreshToken},
		"token_type_hint": {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		metrics.RecordRevocation("failure")
		return fmt.Errorf("failed to build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		metrics.RecordRevocation("failure")
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RecordRevocation("failure")
		return fmt.Errorf("revocation endpoint returned status %d", resp.StatusCode)
	}

	metrics.RecordRevocation("success")
	p.logger.Debug("REVOKE_SUCCESS", zap.String("endpoint", p.revocationURL))
	return nil
}
