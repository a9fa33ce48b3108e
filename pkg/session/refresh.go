package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"smartsession/pkg/credstore"
	"smartsession/pkg/errs"
	"smartsession/pkg/metrics"
	"smartsession/pkg/oauth"
)

const refreshKey = "refresh"

// SilentRefresh obtains a new access token with the stored refresh token.
// Concurrent callers share one network call. The new token is in the store
// before any caller returns. A caller whose ctx ends stops waiting without
// cancelling the shared refresh.
func (m *Machine) SilentRefresh(ctx context.Context) (string, error) {
	return m.shared(ctx, m.refresh)
}

// RefreshAfter refreshes on behalf of a request that failed while carrying
// stale. If the store already holds a different access token, another
// caller refreshed in the meantime and that token is returned as is.
func (m *Machine) RefreshAfter(ctx context.Context, stale string) (string, error) {
	if current, ok := m.rotatedSince(stale); ok {
		return current, nil
	}
	return m.shared(ctx, func(ctx context.Context) (string, error) {
		// A flight may have finished between the check above and this one.
		if current, ok := m.rotatedSince(stale); ok {
			return current, nil
		}
		return m.refresh(ctx)
	})
}

func (m *Machine) rotatedSince(stale string) (string, bool) {
	current, ok := m.store.Get(credstore.AccessToken)
	if !ok || current == stale {
		return "", false
	}
	m.logger.Debug("REFRESH_SKIPPED", zap.String("reason", "token_already_rotated"))
	return current, true
}

func (m *Machine) shared(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	ch := m.flight.DoChan(refreshKey, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return fn(refreshCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.RefreshWaiters.Inc()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: waiting for refresh: %w", errs.ErrTransientNetwork, ctx.Err())
	}
}

func (m *Machine) refresh(ctx context.Context) (string, error) {
	m.credMu.Lock()
	epoch := m.epoch
	m.credMu.Unlock()

	refreshToken, ok := m.store.Get(credstore.RefreshToken)
	if !ok {
		m.logger.Info("REFRESH_UNAVAILABLE")
		m.signOutIfCurrent(epoch)
		return "", errs.ErrNotLoggedIn
	}

	bundle, err := m.client.Refresh(ctx, refreshToken)
	switch {
	case errors.Is(err, oauth.ErrRefreshExpired):
		m.logger.Info("REFRESH_EXPIRED", zap.Error(err))
		m.signOutIfCurrent(epoch)
		return "", fmt.Errorf("%w: %w", errs.ErrTokenExpired, err)
	case err != nil:
		m.logger.Warn("REFRESH_TRANSIENT", zap.Error(err))
		return "", fmt.Errorf("%w: %w", errs.ErrTransientNetwork, err)
	}

	m.credMu.Lock()
	defer m.credMu.Unlock()
	if m.epoch != epoch {
		m.logger.Info("REFRESH_DISCARDED", zap.String("reason", "session_changed"))
		return "", errs.ErrNotLoggedIn
	}
	m.storeBundle(bundle)
	if err := m.setState(SignedIn, ""); err != nil {
		m.logger.Warn("REFRESH_STATE_UPDATE_FAILED", zap.Error(err))
	}
	m.logger.Debug("REFRESH_STORED")
	return bundle.AccessToken, nil
}

// signOutIfCurrent signs out unless the session changed since epoch.
func (m *Machine) signOutIfCurrent(epoch uint64) {
	m.credMu.Lock()
	defer m.credMu.Unlock()
	if m.epoch == epoch {
		m.signOutLocked()
	}
}

// signOutLocked clears every credential and moves to SignedOut. credMu must be held.
func (m *Machine) signOutLocked() {
	m.epoch++
	m.clearCredentials()
	if err := m.setState(SignedOut, ""); err != nil {
		m.logger.Warn("SIGN_OUT_FAILED", zap.Error(err))
	}
}
