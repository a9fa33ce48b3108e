package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every call to the authorization server.
const DefaultTimeout = 30 * time.Second

// DefaultScopes are requested when the configuration names none.
var DefaultScopes = []string{oidc.ScopeOpenID, "profile", "email"}

// Config holds the public-client OAuth2 configuration. Endpoints left
// empty are filled from OIDC discovery when IssuerURL is set.
type Config struct {
	IssuerURL             string
	ClientID              string
	RedirectURL           string
	PostLogoutRedirectURL string
	AuthURL               string
	TokenURL              string
	RevocationURL         string
	LogoutURL             string
	Scopes                []string
	Timeout               time.Duration
}

// Bundle is the credential set returned by a token exchange.
type Bundle struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// Provider talks to the authorization server's token, revocation and
// logout endpoints.
type Provider struct {
	OAuth2Config    *oauth2.Config
	IDTokenVerifier *oidc.IDTokenVerifier

	revocationURL         string
	logoutURL             string
	postLogoutRedirectURL string
	httpClient            *http.Client
	logger                *zap.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the client used for every authorization server call.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithLogger sets the provider logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) {
		p.logger = l
	}
}

// discoveryClaims are the provider metadata fields go-oidc does not expose.
type discoveryClaims struct {
	RevocationEndpoint string `json:"revocation_endpoint"`
	EndSessionEndpoint string `json:"end_session_endpoint"`
}

// NewProvider builds a Provider from configuration, running OIDC discovery
// when an issuer is configured and the authorization or token endpoint is
// not.
func NewProvider(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("redirect URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	p := &Provider{
		revocationURL:         cfg.RevocationURL,
		logoutURL:             cfg.LogoutURL,
		postLogoutRedirectURL: cfg.PostLogoutRedirectURL,
		httpClient:            &http.Client{Timeout: timeout},
		logger:                zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	endpoint := oauth2.Endpoint{
		AuthURL:   cfg.AuthURL,
		TokenURL:  cfg.TokenURL,
		AuthStyle: oauth2.AuthStyleInParams,
	}

	if cfg.IssuerURL != "" && (endpoint.AuthURL == "" || endpoint.TokenURL == "") {
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, p.httpClient), cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("failed to discover OIDC provider at %s: %w", cfg.IssuerURL, err)
		}

		discovered := provider.Endpoint()
		if endpoint.AuthURL == "" {
			endpoint.AuthURL = discovered.AuthURL
		}
		if endpoint.TokenURL == "" {
			endpoint.TokenURL = discovered.TokenURL
		}

		var claims discoveryClaims
		if err := provider.Claims(&claims); err != nil {
			return nil, fmt.Errorf("failed to decode provider metadata: %w", err)
		}
		if p.revocationURL == "" {
			p.revocationURL = claims.RevocationEndpoint
		}
		if p.logoutURL == "" {
			p.logoutURL = claims.EndSessionEndpoint
		}

		p.IDTokenVerifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
		p.logger.Debug("OIDC_DISCOVERY",
			zap.String("issuer", cfg.IssuerURL),
			zap.String("token_endpoint", endpoint.TokenURL),
			zap.Bool("revocation", p.revocationURL != ""),
			zap.Bool("end_session", p.logoutURL != ""))
	}

	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		return nil, errors.New("authorization and token endpoints are required (set them or an issuer URL)")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	p.OAuth2Config = &oauth2.Config{
		ClientID:    cfg.ClientID,
		Endpoint:    endpoint,
		RedirectURL: cfg.RedirectURL,
		Scopes:      scopes,
	}

	return p, nil
}

// ScopeString returns the requested scopes as sent on the wire.
func (p *Provider) ScopeString() string {
	return strings.Join(p.OAuth2Config.Scopes, " ")
}

// clientContext routes x/oauth2 requests through the provider's client.
func (p *Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func bundleFromToken(tok *oauth2.Token) *Bundle {
	b := &Bundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		b.IDToken = idToken
	}
	return b
}
