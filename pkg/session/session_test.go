package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartsession/pkg/credstore"
	"smartsession/pkg/errs"
	"smartsession/pkg/oauth"
	"smartsession/pkg/oauth/oauthtest"
	"smartsession/pkg/pkce"
)

const redirectURL = "http://127.0.0.1:8000/callback"

type harness struct {
	srv     *oauthtest.Server
	machine *Machine
	store   *credstore.Store

	mu        sync.Mutex
	navigated []string
}

func newHarness(t *testing.T, cfg func(*oauth.Config)) *harness {
	t.Helper()
	return newHarnessWithStore(t, credstore.NewMemory(), cfg)
}

func newHarnessWithStore(t *testing.T, store *credstore.Store, cfg func(*oauth.Config)) *harness {
	t.Helper()
	srv := oauthtest.NewServer(t)

	c := oauth.Config{
		ClientID:              oauthtest.ClientID,
		RedirectURL:           redirectURL,
		PostLogoutRedirectURL: "http://127.0.0.1:8000/",
		AuthURL:               srv.AuthURL(),
		TokenURL:              srv.TokenURL(),
		RevocationURL:         srv.RevocationURL(),
		LogoutURL:             srv.LogoutURL(),
	}
	if cfg != nil {
		cfg(&c)
	}
	provider, err := oauth.NewProvider(context.Background(), c)
	require.NoError(t, err)

	h := &harness{srv: srv, store: store}
	h.machine = New(h.store, provider, WithNavigator(NavigatorFunc(func(_ context.Context, u string) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.navigated = append(h.navigated, u)
		return nil
	})))
	return h
}

func (h *harness) signIn(t *testing.T, subject string) *Landing {
	t.Helper()
	ctx := context.Background()
	h.machine.Init(ctx)

	req, err := h.machine.StartLogin(ctx, "")
	require.NoError(t, err)
	verifier, ok := h.store.Get(credstore.PKCEVerifier)
	require.True(t, ok)

	landing, err := h.machine.CompleteLogin(ctx, h.srv.IssueCode(verifier, subject, redirectURL), req.State)
	require.NoError(t, err)
	return landing
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{Loading, SignedIn, true},
		{Loading, SignedOut, true},
		{SignedIn, SignedOut, true},
		{SignedOut, SignedIn, true},
		{SignedIn, SignedIn, true},
		{SignedIn, Loading, false},
		{SignedOut, Loading, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("empty storage signs out", func(t *testing.T) {
		h := newHarness(t, nil)
		h.store.Set(credstore.RefreshToken, "orphan")

		assert.Equal(t, Loading, h.machine.State().Status)
		s := h.machine.Init(context.Background())
		assert.Equal(t, State{Status: SignedOut}, s)
		assert.False(t, h.store.Has(credstore.RefreshToken))
	})

	t.Run("stored token and user id restore session", func(t *testing.T) {
		h := newHarness(t, nil)
		h.store.Set(credstore.AccessToken, "at-restored")
		h.store.Set(credstore.UserID, "user-7")

		s := h.machine.Init(context.Background())
		assert.Equal(t, State{Status: SignedIn, UserID: "user-7"}, s)
		assert.True(t, h.machine.IsAuthenticated())
	})

	t.Run("runs once", func(t *testing.T) {
		h := newHarness(t, nil)
		h.machine.Init(context.Background())
		h.store.Set(credstore.AccessToken, "late")
		assert.Equal(t, SignedOut, h.machine.Init(context.Background()).Status)
	})
}

func TestLoginRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.machine.Init(ctx)

	h.machine.SavePending(PendingRequest{ID: "req-1", Method: http.MethodPost, URL: "/api/notes", Body: `{"a":1}`})

	req, err := h.machine.StartLogin(ctx, "/patients/42")
	require.NoError(t, err)

	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	verifier, ok := h.store.Get(credstore.PKCEVerifier)
	require.True(t, ok)
	assert.Len(t, verifier, pkce.VerifierLength)
	assert.Equal(t, pkce.DeriveChallenge(verifier), u.Query().Get("code_challenge"))
	assert.Equal(t, req.State, u.Query().Get("state"))

	landing, err := h.machine.CompleteLogin(ctx, h.srv.IssueCode(verifier, "user-1", redirectURL), req.State)
	require.NoError(t, err)

	assert.Equal(t, State{Status: SignedIn, UserID: "user-1"}, h.machine.State())
	assert.Equal(t, "user-1", landing.UserID)
	assert.Equal(t, "/patients/42", landing.ReturnTo)
	require.NotNil(t, landing.Pending)
	assert.Equal(t, "req-1", landing.Pending.ID)

	for _, kind := range []credstore.Kind{credstore.AccessToken, credstore.RefreshToken, credstore.IDToken, credstore.UserID} {
		assert.True(t, h.store.Has(kind), "expected %s to be stored", kind)
	}
	for _, kind := range []credstore.Kind{credstore.PKCEVerifier, credstore.OAuthState, credstore.ReturnTo, credstore.PendingRequest} {
		assert.False(t, h.store.Has(kind), "expected %s to be consumed", kind)
	}
}

func TestCompleteLoginMissingVerifier(t *testing.T) {
	h := newHarness(t, nil)
	h.machine.Init(context.Background())

	_, err := h.machine.CompleteLogin(context.Background(), "code-1", "state")
	assert.ErrorIs(t, err, errs.ErrMissingVerifier)
	assert.False(t, errors.Is(err, errs.ErrExchangeFailed))
	assert.Equal(t, SignedOut, h.machine.State().Status)
}

func TestVerifierIsBoundToItsAttempt(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.machine.Init(ctx)

	reqA, err := h.machine.StartLogin(ctx, "")
	require.NoError(t, err)
	verifierA, _ := h.store.Get(credstore.PKCEVerifier)

	reqB, err := h.machine.StartLogin(ctx, "")
	require.NoError(t, err)
	verifierB, _ := h.store.Get(credstore.PKCEVerifier)
	require.NotEqual(t, verifierA, verifierB)
	require.NotEqual(t, reqA.State, reqB.State)

	t.Run("callback for A after B started", func(t *testing.T) {
		_, err := h.machine.CompleteLogin(ctx, h.srv.IssueCode(verifierA, "user-1", redirectURL), reqA.State)
		assert.ErrorIs(t, err, errs.ErrStateMismatch)
		assert.False(t, h.machine.IsAuthenticated())
	})

	t.Run("A's code with a later attempt's state", func(t *testing.T) {
		reqC, err := h.machine.StartLogin(ctx, "")
		require.NoError(t, err)
		_, err = h.machine.CompleteLogin(ctx, h.srv.IssueCode(verifierA, "user-1", redirectURL), reqC.State)
		assert.ErrorIs(t, err, errs.ErrExchangeFailed)
		assert.False(t, h.machine.IsAuthenticated())
	})

	t.Run("verifier is single use", func(t *testing.T) {
		_, err := h.machine.CompleteLogin(ctx, "code-x", reqB.State)
		assert.ErrorIs(t, err, errs.ErrMissingVerifier)
	})
}

// slowBackend widens the window between reading and deleting a key and
// offers no atomic take.
type slowBackend struct {
	inner *credstore.MemoryBackend
}

func (b slowBackend) Load(key string) (string, bool, error) {
	time.Sleep(20 * time.Millisecond)
	return b.inner.Load(key)
}
func (b slowBackend) Save(key, value string) error { return b.inner.Save(key, value) }
func (b slowBackend) Delete(key string) error      { return b.inner.Delete(key) }

func TestConcurrentCallbacksRedeemOnce(t *testing.T) {
	h := newHarnessWithStore(t, credstore.New(slowBackend{inner: credstore.NewMemoryBackend()}, nil), nil)
	ctx := context.Background()
	h.machine.Init(ctx)

	req, err := h.machine.StartLogin(ctx, "/reports")
	require.NoError(t, err)
	verifier, ok := h.store.Get(credstore.PKCEVerifier)
	require.True(t, ok)
	code := h.srv.IssueCode(verifier, "user-1", redirectURL)

	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		landings = make([]*Landing, 2)
		failures = make([]error, 2)
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			landings[i], failures[i] = h.machine.CompleteLogin(ctx, code, req.State)
		}(i)
	}
	close(start)
	wg.Wait()

	var succeeded, missing int
	for i := 0; i < 2; i++ {
		switch {
		case failures[i] == nil:
			succeeded++
			assert.Equal(t, "/reports", landings[i].ReturnTo)
		case errors.Is(failures[i], errs.ErrMissingVerifier):
			missing++
		default:
			t.Errorf("unexpected completion error: %v", failures[i])
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, missing)
	assert.Equal(t, SignedIn, h.machine.State().Status)
}

func TestFailedLoginDropsReturnTo(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.machine.Init(ctx)

	req, err := h.machine.StartLogin(ctx, "/reports")
	require.NoError(t, err)
	_, err = h.machine.CompleteLogin(ctx, "unknown-code", req.State)
	require.ErrorIs(t, err, errs.ErrExchangeFailed)
	assert.False(t, h.store.Has(credstore.ReturnTo))

	landing := h.signIn(t, "user-1")
	assert.Empty(t, landing.ReturnTo)
}

func TestSilentRefreshSingleFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.signIn(t, "user-1")
	before, _ := h.store.Get(credstore.AccessToken)

	h.srv.SetRefreshDelay(200 * time.Millisecond)

	const callers = 25
	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		tokens   = make([]string, callers)
		failures = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tokens[i], failures[i] = h.machine.SilentRefresh(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), h.srv.RefreshCalls.Load())
	stored, _ := h.store.Get(credstore.AccessToken)
	assert.NotEqual(t, before, stored)
	for i := 0; i < callers; i++ {
		require.NoError(t, failures[i])
		assert.Equal(t, stored, tokens[i])
	}

	t.Run("stale caller reuses the rotated token", func(t *testing.T) {
		tok, err := h.machine.RefreshAfter(context.Background(), before)
		require.NoError(t, err)
		assert.Equal(t, stored, tok)
		assert.Equal(t, int32(1), h.srv.RefreshCalls.Load())
	})
}

func TestSilentRefreshWaiterCancellation(t *testing.T) {
	h := newHarness(t, nil)
	h.signIn(t, "user-1")
	h.srv.SetRefreshDelay(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan string, 1)
	go func() {
		tok, _ := h.machine.SilentRefresh(context.Background())
		done <- tok
	}()

	_, err := h.machine.SilentRefresh(ctx)
	assert.ErrorIs(t, err, errs.ErrTransientNetwork)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	tok := <-done
	assert.NotEmpty(t, tok)
	assert.Equal(t, int32(1), h.srv.RefreshCalls.Load())
}

func TestSilentRefreshFailures(t *testing.T) {
	t.Run("no refresh token", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn(t, "user-1")
		h.store.Clear(credstore.RefreshToken)

		_, err := h.machine.SilentRefresh(context.Background())
		assert.ErrorIs(t, err, errs.ErrNotLoggedIn)
		assert.Equal(t, int32(0), h.srv.RefreshCalls.Load())
		assert.Equal(t, SignedOut, h.machine.State().Status)
		assert.False(t, h.store.Has(credstore.AccessToken))
	})

	t.Run("rejected refresh token", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn(t, "user-1")
		h.srv.SetRefreshStatus(http.StatusBadRequest)

		_, err := h.machine.SilentRefresh(context.Background())
		assert.ErrorIs(t, err, errs.ErrTokenExpired)
		assert.Equal(t, SignedOut, h.machine.State().Status)
		for _, kind := range credstore.TokenKinds {
			assert.False(t, h.store.Has(kind), "expected %s to be cleared", kind)
		}
	})

	t.Run("server error is transient", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn(t, "user-1")
		h.srv.SetRefreshStatus(http.StatusBadGateway)

		_, err := h.machine.SilentRefresh(context.Background())
		assert.ErrorIs(t, err, errs.ErrTransientNetwork)
		assert.Equal(t, SignedIn, h.machine.State().Status)
		assert.True(t, h.store.Has(credstore.RefreshToken))
	})
}

func TestLogout(t *testing.T) {
	t.Run("revokes and navigates", func(t *testing.T) {
		h := newHarness(t, nil)
		h.signIn(t, "user-1")
		rt, _ := h.store.Get(credstore.RefreshToken)

		logoutURL := h.machine.Logout(context.Background())
		assert.Equal(t, []string{rt}, h.srv.Revoked())
		assert.Equal(t, []string{logoutURL}, h.navigated)
		assert.Equal(t, State{Status: SignedOut}, h.machine.State())
	})

	t.Run("clears tokens when revocation fails", func(t *testing.T) {
		h := newHarness(t, func(c *oauth.Config) {
			c.RevocationURL = "http://127.0.0.1:1/revoke"
		})
		h.signIn(t, "user-1")

		logoutURL := h.machine.Logout(context.Background())
		assert.NotEmpty(t, logoutURL)
		for _, kind := range credstore.TokenKinds {
			assert.False(t, h.store.Has(kind), "expected %s to be cleared", kind)
		}
		assert.Equal(t, SignedOut, h.machine.State().Status)
		assert.Len(t, h.navigated, 1)
	})
}

func TestLogoutDiscardsRefreshInFlight(t *testing.T) {
	h := newHarness(t, func(c *oauth.Config) {
		c.RevocationURL = "http://127.0.0.1:1/revoke"
	})
	h.signIn(t, "user-1")
	h.srv.SetRotate(true)
	h.srv.SetRefreshDelay(200 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := h.machine.SilentRefresh(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return h.srv.RefreshCalls.Load() == 1 },
		time.Second, 5*time.Millisecond)

	h.machine.Logout(context.Background())
	require.Equal(t, SignedOut, h.machine.State().Status)

	err := <-done
	assert.ErrorIs(t, err, errs.ErrNotLoggedIn)
	assert.Equal(t, State{Status: SignedOut}, h.machine.State())
	for _, kind := range credstore.TokenKinds {
		assert.False(t, h.store.Has(kind), "expected %s to stay cleared", kind)
	}
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var seen []State
	cancel := h.machine.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	h.signIn(t, "user-1")
	h.machine.Logout(context.Background())
	cancel()
	h.signIn(t, "user-2")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{
		{Status: SignedOut},
		{Status: SignedIn, UserID: "user-1"},
		{Status: SignedOut},
	}, seen)
}

func TestStateReportsSignedOutWithoutAccessToken(t *testing.T) {
	h := newHarness(t, nil)
	h.signIn(t, "user-1")
	h.store.Clear(credstore.AccessToken)

	assert.Equal(t, SignedOut, h.machine.State().Status)
	assert.False(t, h.machine.IsAuthenticated())
}
