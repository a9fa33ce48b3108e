package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"smartsession/pkg/credstore"
	"smartsession/pkg/errs"
	"smartsession/pkg/metrics"
	"smartsession/pkg/oauth"
	"smartsession/pkg/pkce"
)

// LoginRequest is one prepared authorization redirect.
type LoginRequest struct {
	URL   string
	State string
}

// Landing is where a completed login should take the user.
type Landing struct {
	UserID   string
	ReturnTo string
	Pending  *PendingRequest
}

// StartLogin prepares a fresh PKCE attempt and returns the authorization
// URL. The verifier and state are stored before the URL is handed out;
// any earlier attempt becomes unredeemable. It never navigates.
func (m *Machine) StartLogin(ctx context.Context, returnTo string) (*LoginRequest, error) {
	pair, err := pkce.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE pair: %w", err)
	}
	state, err := pkce.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	m.store.Set(credstore.PKCEVerifier, pair.Verifier)
	m.store.Set(credstore.OAuthState, state)
	if returnTo != "" {
		m.store.Set(credstore.ReturnTo, returnTo)
	}

	m.logger.Debug("LOGIN_STARTED", zap.Bool("return_to", returnTo != ""))
	return &LoginRequest{
		URL:   m.client.AuthCodeURL(state, pair.Challenge),
		State: state,
	}, nil
}

// CompleteLogin redeems the callback's code with the stored verifier. The
// verifier, state and return location are deleted before the exchange
// whatever its outcome. Of concurrent callbacks only one finds the verifier.
func (m *Machine) CompleteLogin(ctx context.Context, code, state string) (*Landing, error) {
	verifier, hasVerifier := m.store.Take(credstore.PKCEVerifier)
	if !hasVerifier {
		metrics.RecordLoginFailure("missing_verifier")
		m.logger.Warn("LOGIN_FAILED", zap.String("reason", "missing_verifier"))
		return nil, errs.ErrMissingVerifier
	}
	// The attempt's remaining entries belong to whoever took the verifier.
	storedState, hasState := m.store.Take(credstore.OAuthState)
	returnTo, _ := m.store.Take(credstore.ReturnTo)

	if !hasState || subtle.ConstantTimeCompare([]byte(state), []byte(storedState)) != 1 {
		metrics.RecordLoginFailure("state_mismatch")
		m.logger.Warn("LOGIN_FAILED", zap.String("reason", "state_mismatch"))
		return nil, errs.ErrStateMismatch
	}
	if code == "" {
		metrics.RecordLoginFailure("missing_code")
		return nil, fmt.Errorf("%w: missing authorization code", errs.ErrExchangeFailed)
	}

	bundle, err := m.client.ExchangeCode(ctx, code, verifier)
	if err != nil {
		reason := "exchange"
		if errors.Is(err, errs.ErrTransientNetwork) {
			reason = "network"
		}
		metrics.RecordLoginFailure(reason)
		m.logger.Warn("LOGIN_FAILED", zap.String("reason", reason), zap.Error(err))
		return nil, err
	}

	userID, err := m.signIn(ctx, bundle)
	if err != nil {
		return nil, err
	}
	metrics.RecordLoginSuccess()
	m.logger.Info("LOGIN_SUCCESS", zap.String("user_id", userID))

	return &Landing{
		UserID:   userID,
		ReturnTo: returnTo,
		Pending:  m.takePending(),
	}, nil
}

// signIn stores a fresh bundle and starts a new session epoch, so a refresh
// begun under an earlier session cannot overwrite it.
func (m *Machine) signIn(ctx context.Context, bundle *oauth.Bundle) (string, error) {
	m.credMu.Lock()
	defer m.credMu.Unlock()

	m.epoch++
	m.storeBundle(bundle)
	m.store.Clear(credstore.UserID)
	userID := m.resolveUserID(ctx)
	return userID, m.setState(SignedIn, userID)
}
