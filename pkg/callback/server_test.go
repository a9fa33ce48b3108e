package callback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"smartsession/pkg/errs"
	"smartsession/pkg/session"
)

type fakeCompleter struct {
	landing       *session.Landing
	err           error
	calls         []string
	authenticated bool
	restarts      int
	restartErr    error
}

func (f *fakeCompleter) CompleteLogin(_ context.Context, code, state string) (*session.Landing, error) {
	f.calls = append(f.calls, code+"/"+state)
	return f.landing, f.err
}

func (f *fakeCompleter) StartLogin(context.Context, string) (*session.LoginRequest, error) {
	f.restarts++
	if f.restartErr != nil {
		return nil, f.restartErr
	}
	return &session.LoginRequest{URL: "https://id.example.com/authorize?state=fresh", State: "fresh"}, nil
}

func (f *fakeCompleter) IsAuthenticated() bool { return f.authenticated }

func get(t *testing.T, h http.Handler, target string) (*http.Response, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	resp := rec.Result()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestCallbackSuccess(t *testing.T) {
	completer := &fakeCompleter{landing: &session.Landing{UserID: "user-1", ReturnTo: "/reports"}}
	s := New("127.0.0.1:0", "/callback", completer)

	resp, body := get(t, s.Handler(), "/callback?code=abc&state=xyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Signed in")
	assert.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))
	assert.Equal(t, []string{"abc/xyz"}, completer.calls)

	landing, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", landing.UserID)
	assert.Equal(t, "/reports", landing.ReturnTo)
}

func TestCallbackFailures(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		err        error
		wantStatus int
		wantErr    error
		wantCalls  int
	}{
		{name: "provider error", query: "error=access_denied&error_description=nope&state=xyz", wantStatus: http.StatusBadRequest, wantErr: errs.ErrExchangeFailed},
		{name: "state mismatch", query: "code=abc&state=other", err: errs.ErrStateMismatch, wantStatus: http.StatusBadRequest, wantErr: errs.ErrStateMismatch, wantCalls: 1},
		{name: "provider unreachable", query: "code=abc&state=xyz", err: fmt.Errorf("%w: dial", errs.ErrTransientNetwork), wantStatus: http.StatusBadGateway, wantErr: errs.ErrTransientNetwork, wantCalls: 1},
		{name: "code rejected", query: "code=abc&state=xyz", err: fmt.Errorf("%w: invalid_grant", errs.ErrExchangeFailed), wantStatus: http.StatusBadRequest, wantErr: errs.ErrExchangeFailed, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completer := &fakeCompleter{err: tt.err}
			s := New("127.0.0.1:0", "/callback", completer)

			resp, body := get(t, s.Handler(), "/callback?"+tt.query)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Contains(t, body, "Sign-in failed")
			assert.Len(t, completer.calls, tt.wantCalls)

			_, err := s.Wait(context.Background())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFirstResultWins(t *testing.T) {
	completer := &fakeCompleter{landing: &session.Landing{UserID: "user-1"}}
	s := New("127.0.0.1:0", "/callback", completer)
	h := s.Handler()

	get(t, h, "/callback?code=abc&state=xyz")
	completer.landing, completer.err = nil, errs.ErrStateMismatch
	resp, _ := get(t, h, "/callback?code=abc&state=xyz")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	landing, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", landing.UserID)
}

func TestMissingVerifier(t *testing.T) {
	t.Run("restarts the login", func(t *testing.T) {
		completer := &fakeCompleter{err: errs.ErrMissingVerifier}
		s := New("127.0.0.1:0", "/callback", completer)

		resp, _ := get(t, s.Handler(), "/callback?code=abc&state=xyz")
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "https://id.example.com/authorize?state=fresh", resp.Header.Get("Location"))
		assert.Equal(t, 1, completer.restarts)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := s.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("already signed in", func(t *testing.T) {
		completer := &fakeCompleter{err: errs.ErrMissingVerifier, authenticated: true}
		s := New("127.0.0.1:0", "/callback", completer)

		resp, body := get(t, s.Handler(), "/callback?code=abc&state=xyz")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "Signed in")
		assert.Zero(t, completer.restarts)
	})

	t.Run("restart fails", func(t *testing.T) {
		completer := &fakeCompleter{err: errs.ErrMissingVerifier, restartErr: errors.New("no entropy")}
		s := New("127.0.0.1:0", "/callback", completer)

		resp, body := get(t, s.Handler(), "/callback?code=abc&state=xyz")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body, "Sign-in failed")

		_, err := s.Wait(context.Background())
		assert.ErrorIs(t, err, errs.ErrMissingVerifier)
	})
}

func TestWaitHonoursContext(t *testing.T) {
	s := New("127.0.0.1:0", "/callback", &fakeCompleter{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServerListens(t *testing.T) {
	s := New("127.0.0.1:0", "/cb", &fakeCompleter{landing: &session.Landing{}}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + s.Addr() + "/cb?code=abc&state=xyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = s.Wait(context.Background())
	assert.NoError(t, err)
}
