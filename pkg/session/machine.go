// Package session owns the OAuth2 PKCE session lifecycle: login redirect,
// callback completion, single-flight silent refresh and logout.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"smartsession/pkg/credstore"
	"smartsession/pkg/logging"
	"smartsession/pkg/metrics"
	"smartsession/pkg/oauth"
)

// DefaultRefreshTimeout bounds a refresh shared by several callers.
const DefaultRefreshTimeout = 30 * time.Second

// TokenClient is the authorization server as seen by the machine.
// *oauth.Provider implements it.
type TokenClient interface {
	AuthCodeURL(state, challenge string) string
	ExchangeCode(ctx context.Context, code, verifier string) (*oauth.Bundle, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth.Bundle, error)
	Revoke(ctx context.Context, refreshToken string) error
	LogoutURL() string
	UserID(ctx context.Context, idToken string) (string, error)
}

// Navigator sends the user agent to a URL.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, url string) error

// Navigate calls f.
func (f NavigatorFunc) Navigate(ctx context.Context, url string) error {
	return f(ctx, url)
}

// Machine is the single owner of session state.
type Machine struct {
	store          *credstore.Store
	client         TokenClient
	navigator      Navigator
	logger         *zap.Logger
	refreshTimeout time.Duration

	flight singleflight.Group

	// credMu orders credential writes against sign-outs. epoch counts
	// sign-ins and sign-outs so a refresh started before one is discarded.
	credMu sync.Mutex
	epoch  uint64

	mu          sync.Mutex
	state       State
	initialized bool
	subscribers map[int]func(State)
	nextSubID   int
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the machine logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		m.logger = l
	}
}

// WithNavigator sets where Logout sends the user agent.
func WithNavigator(n Navigator) Option {
	return func(m *Machine) {
		m.navigator = n
	}
}

// WithRefreshTimeout bounds each refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

// New creates a machine in the Loading state. Call Init once storage is available.
func New(store *credstore.Store, client TokenClient, opts ...Option) *Machine {
	m := &Machine{
		store:          store,
		client:         client,
		refreshTimeout: DefaultRefreshTimeout,
		state:          State{Status: Loading},
		subscribers:    make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger).Named("session")
	return m
}

// Store returns the credential store the machine writes to.
func (m *Machine) Store() *credstore.Store {
	return m.store
}

// Init inspects storage once and leaves Loading. An access token restores
// SignedIn; anything else clears leftover credentials and signs out.
func (m *Machine) Init(ctx context.Context) State {
	m.mu.Lock()
	if m.initialized {
		s := m.state
		m.mu.Unlock()
		return s
	}
	m.initialized = true
	m.mu.Unlock()

	if _, ok := m.store.Get(credstore.AccessToken); !ok {
		m.clearCredentials()
		m.setState(SignedOut, "")
		return m.State()
	}

	userID, ok := m.store.Get(credstore.UserID)
	if !ok {
		userID = m.resolveUserID(ctx)
	}
	m.setState(SignedIn, userID)
	m.logger.Debug("SESSION_RESTORED", zap.String("user_id", userID))
	return m.State()
}

// State returns the current session state. A session whose access token
// has disappeared from the store reports SignedOut.
func (m *Machine) State() State {
	m.mu.Lock()
	s := m.state
	m.mu.Unlock()

	if s.Status == SignedIn && !m.store.Has(credstore.AccessToken) {
		return State{Status: SignedOut}
	}
	return s
}

// IsAuthenticated reports whether an access token is currently stored.
func (m *Machine) IsAuthenticated() bool {
	return m.store.Has(credstore.AccessToken)
}

// Subscribe registers fn for every state change and returns a function
// that removes it. fn must not call Logout, CompleteLogin or SilentRefresh.
func (m *Machine) Subscribe(fn func(State)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// setState applies a status change and notifies subscribers. Same-status
// updates only refresh the user id and notify when it changed.
func (m *Machine) setState(to Status, userID string) error {
	if to != SignedIn {
		userID = ""
	}

	m.mu.Lock()
	from := m.state
	if !CanTransition(from.Status, to) {
		m.mu.Unlock()
		m.logger.Error("ILLEGAL_TRANSITION",
			zap.Stringer("from", from.Status),
			zap.Stringer("to", to))
		return ErrIllegalTransition
	}
	if to == SignedIn && userID == "" {
		userID = from.UserID
	}
	next := State{Status: to, UserID: userID}
	if next == from {
		m.mu.Unlock()
		return nil
	}
	m.state = next
	subs := make([]func(State), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if from.Status != to {
		metrics.RecordTransition(from.Status.String(), to.String())
		m.logger.Info("SESSION_TRANSITION",
			zap.Stringer("from", from.Status),
			zap.Stringer("to", to))
	}
	for _, fn := range subs {
		fn(next)
	}
	return nil
}

func (m *Machine) storeBundle(b *oauth.Bundle) {
	m.store.Set(credstore.AccessToken, b.AccessToken)
	if b.RefreshToken != "" {
		m.store.Set(credstore.RefreshToken, b.RefreshToken)
	}
	if b.IDToken != "" {
		m.store.Set(credstore.IDToken, b.IDToken)
	}
}

// clearCredentials removes tokens, the user id and the CSRF token.
func (m *Machine) clearCredentials() {
	m.store.ClearAll(credstore.TokenKinds...)
	m.store.ClearAll(credstore.UserID, credstore.CSRFToken)
}

func (m *Machine) resolveUserID(ctx context.Context) string {
	idToken, ok := m.store.Get(credstore.IDToken)
	if !ok {
		return ""
	}
	userID, err := m.client.UserID(ctx, idToken)
	if err != nil {
		m.logger.Warn("USER_ID_UNRESOLVED", zap.Error(err))
		return ""
	}
	m.store.Set(credstore.UserID, userID)
	return userID
}
