package session

import (
	"context"

	"go.uber.org/zap"

	"smartsession/pkg/credstore"
)

// Logout revokes the refresh token if possible, clears local state, moves
// to SignedOut and then navigates to the server's logout URL. Revocation
// and navigation failures are logged; local state is always cleared.
// A refresh still in flight is discarded. It returns the logout URL, which
// is empty when the server has none.
func (m *Machine) Logout(ctx context.Context) string {
	if refreshToken, ok := m.store.Get(credstore.RefreshToken); ok {
		if err := m.client.Revoke(ctx, refreshToken); err != nil {
			m.logger.Warn("REVOKE_FAILED", zap.Error(err))
		}
	}

	m.credMu.Lock()
	m.epoch++
	m.clearCredentials()
	m.store.ClearAll(credstore.PKCEVerifier, credstore.OAuthState, credstore.PendingRequest, credstore.ReturnTo)
	if err := m.setState(SignedOut, ""); err != nil {
		m.logger.Warn("LOGOUT_STATE_UPDATE_FAILED", zap.Error(err))
	}
	m.credMu.Unlock()

	logoutURL := m.client.LogoutURL()
	if logoutURL != "" && m.navigator != nil {
		if err := m.navigator.Navigate(ctx, logoutURL); err != nil {
			m.logger.Warn("LOGOUT_NAVIGATION_FAILED", zap.Error(err))
		}
	}
	m.logger.Info("LOGOUT_COMPLETE")
	return logoutURL
}
