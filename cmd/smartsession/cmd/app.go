package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"smartsession/pkg/browser"
	"smartsession/pkg/callback"
	"smartsession/pkg/config"
	"smartsession/pkg/credstore"
	"smartsession/pkg/gateway"
	"smartsession/pkg/middleware"
	"smartsession/pkg/oauth"
	"smartsession/pkg/seal"
	"smartsession/pkg/session"
)

// app is the wiring shared by every command.
type app struct {
	backend   string
	store     *credstore.Store
	provider  *oauth.Provider
	machine   *session.Machine
	navigator *browser.Navigator

	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	a := &app{}

	backend, desc, err := a.openBackend(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.backend = desc
	// The CLI has no page session; both tiers share the configured backend
	// and stay apart by key prefix.
	a.store = credstore.New(backend, nil, credstore.WithLogger(logger))

	a.provider, err = oauth.NewProvider(ctx, oauth.Config{
		IssuerURL:             cfg.OAuth.IssuerURL,
		ClientID:              cfg.OAuth.ClientID,
		RedirectURL:           cfg.RedirectURL(),
		PostLogoutRedirectURL: cfg.OAuth.PostLogoutRedirectURL,
		AuthURL:               cfg.OAuth.AuthURL,
		TokenURL:              cfg.OAuth.TokenURL,
		RevocationURL:         cfg.OAuth.RevocationURL,
		LogoutURL:             cfg.OAuth.LogoutURL,
		Scopes:                cfg.Scopes(),
		Timeout:               cfg.OAuth.Timeout,
	}, oauth.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to set up OAuth provider: %w", err)
	}

	a.navigator = browser.NewNavigator(browser.WithLogger(logger))
	a.machine = session.New(a.store, a.provider,
		session.WithLogger(logger),
		session.WithNavigator(a.navigator),
		session.WithRefreshTimeout(cfg.OAuth.Timeout))
	a.machine.Init(ctx)
	return a, nil
}

func (a *app) openBackend(ctx context.Context) (credstore.Backend, string, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return credstore.NewMemoryBackend(), "memory", nil

	case config.BackendRedis:
		client, err := credstore.DialRedis(ctx, cfg.Storage.RedisURL)
		if err != nil {
			return nil, "", err
		}
		a.closers = append(a.closers, client.Close)
		return credstore.NewRedisBackend(client, "smartsession:"+cfg.OAuth.ClientID, cfg.Storage.RedisTTL), "redis", nil

	case config.BackendSecret:
		client, err := credstore.NewKubernetesClient(cfg.Storage.Kubeconfig)
		if err != nil {
			return nil, "", err
		}
		b := credstore.NewSecretBackend(client, cfg.Storage.Namespace, cfg.Storage.SecretName)
		return b, fmt.Sprintf("secret %s/%s", cfg.Storage.Namespace, b.Name()), nil

	default:
		path := cfg.Storage.Path
		if path == "" {
			path = filepath.Join(credstore.DefaultCacheDir(), "credentials.json")
		}
		signing, encryption, err := cfg.SealKeys()
		if err != nil {
			return nil, "", err
		}
		var sealer *seal.Sealer
		if signing != nil {
			if sealer, err = seal.NewSealer(signing, encryption); err != nil {
				return nil, "", fmt.Errorf("failed to create sealer: %w", err)
			}
		}
		desc := "file " + path
		if sealer != nil {
			desc += " (sealed)"
		}
		return credstore.NewFileBackend(path, sealer), desc, nil
	}
}

// Close releases backend connections.
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			logger.Debug("CLOSE_FAILED", zap.Error(err))
		}
	}
}

func (a *app) newCallbackServer() *callback.Server {
	return callback.New(cfg.Callback.Addr, cfg.Callback.Path, a.machine, callback.WithLogger(logger))
}

func (a *app) newGateway(prompt gateway.LoginPrompt) (*gateway.Client, error) {
	return gateway.New(cfg.API.BaseURL, a.machine,
		gateway.WithLogger(logger),
		gateway.WithTimeout(cfg.API.Timeout),
		gateway.WithRateLimit(cfg.API.RateLimitRPS, cfg.API.RateLimitBurst),
		gateway.WithInvalidationCodes(cfg.API.InvalidationCodes...),
		gateway.WithRecovery(
			gateway.WithNavigator(a.navigator),
			gateway.WithNotifier(stderrNotifier{}),
			gateway.WithLoginPrompt(prompt),
			gateway.WithCountdown(cfg.API.Countdown),
		),
	)
}

func (a *app) newRateLimiter() *middleware.RateLimiter {
	if cfg.Proxy.RateLimitRPS <= 0 {
		return nil
	}
	return middleware.NewRateLimiter(cfg.Proxy.RateLimitRPS, cfg.Proxy.RateLimitBurst, proxyLimiterCleanup)
}

// awaitLogin waits for the callback server to report the first login.
func awaitLogin(ctx context.Context, srv *callback.Server) (*session.Landing, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Callback.Timeout)
	defer cancel()

	stop := startSpinner(" Waiting for sign-in in the browser...")
	landing, err := srv.Wait(ctx)
	stop()
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("no sign-in within %s: %w", cfg.Callback.Timeout, err)
	}
	return landing, err
}
