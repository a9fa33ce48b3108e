// Package oauthtest provides an in-process authorization server for tests.
package oauthtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClientID is the only client the server accepts.
const ClientID = "smartsession-test"

type grant struct {
	verifier    string
	subject     string
	redirectURI string
}

// Server is a fake authorization server with PKCE code redemption, refresh
// token rotation, revocation and discovery.
type Server struct {
	*httptest.Server

	// RefreshCalls counts refresh_token grants received.
	RefreshCalls atomic.Int32

	mu            sync.Mutex
	seq           int
	codes         map[string]grant
	refreshTokens map[string]string
	accessTokens  map[string]bool
	revoked       []string
	refreshStatus int
	revokeStatus  int
	refreshDelay  time.Duration
	rotate        bool
}

// NewServer starts a server that is closed with the test.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		codes:         make(map[string]grant),
		refreshTokens: make(map[string]string),
		accessTokens:  make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/revoke", s.handleRevoke)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// AuthURL returns the authorization endpoint.
func (s *Server) AuthURL() string { return s.URL + "/authorize" }

// TokenURL returns the token endpoint.
func (s *Server) TokenURL() string { return s.URL + "/token" }

// RevocationURL returns the revocation endpoint.
func (s *Server) RevocationURL() string { return s.URL + "/revoke" }

// LogoutURL returns the end-session endpoint.
func (s *Server) LogoutURL() string { return s.URL + "/logout" }

// IssueCode registers an authorization code bound to a PKCE verifier.
func (s *Server) IssueCode(verifier, subject, redirectURI string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	code := fmt.Sprintf("code-%d", s.seq)
	s.codes[code] = grant{verifier: verifier, subject: subject, redirectURI: redirectURI}
	return code
}

// IssueRefreshToken registers a valid refresh token for subject.
func (s *Server) IssueRefreshToken(subject string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rt := fmt.Sprintf("rt-%d", s.seq)
	s.refreshTokens[rt] = subject
	return rt
}

// SetRefreshStatus forces every refresh grant to fail with status.
// Zero restores normal behaviour.
func (s *Server) SetRefreshStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

// SetRevokeStatus forces the revocation endpoint to answer with status.
func (s *Server) SetRevokeStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokeStatus = status
}

// SetRefreshDelay holds every refresh grant for d before answering.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// SetRotate makes refresh grants issue a new refresh token and retire the old one.
func (s *Server) SetRotate(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotate = rotate
}

// ActiveAccessToken reports whether tok was issued and not expired.
func (s *Server) ActiveAccessToken(tok string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessTokens[tok]
}

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok := range s.accessTokens {
		s.accessTokens[tok] = false
	}
}

// Revoked returns the refresh tokens revoked so far.
func (s *Server) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                s.URL,
		"authorization_endpoint":                s.AuthURL(),
		"token_endpoint":                        s.TokenURL(),
		"revocation_endpoint":                   s.RevocationURL(),
		"end_session_endpoint":                  s.LogoutURL(),
		"jwks_uri":                              s.URL + "/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if r.PostForm.Get("client_id") != ClientID {
		oauthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.redeemCode(w, r)
	case "refresh_token":
		s.refresh(w, r)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

func (s *Server) redeemCode(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := r.PostForm.Get("code")
	g, ok := s.codes[code]
	delete(s.codes, code)
	if !ok || g.verifier != r.PostForm.Get("code_verifier") {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	if g.redirectURI != "" && g.redirectURI != r.PostForm.Get("redirect_uri") {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	s.seq++
	access := fmt.Sprintf("at-%d", s.seq)
	refresh := fmt.Sprintf("rt-%d", s.seq)
	s.accessTokens[access] = true
	s.refreshTokens[refresh] = g.subject

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": refresh,
		"id_token":      idToken(g.subject),
	})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.RefreshCalls.Add(1)

	s.mu.Lock()
	delay := s.refreshDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshStatus != 0 {
		oauthError(w, s.refreshStatus, "server_error")
		return
	}

	rt := r.PostForm.Get("refresh_token")
	subject, ok := s.refreshTokens[rt]
	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	s.seq++
	access := fmt.Sprintf("at-%d", s.seq)
	s.accessTokens[access] = true
	body := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if s.rotate {
		delete(s.refreshTokens, rt)
		next := fmt.Sprintf("rt-%d", s.seq)
		s.refreshTokens[next] = subject
		body["refresh_token"] = next
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revokeStatus != 0 {
		w.WriteHeader(s.revokeStatus)
		return
	}
	if r.PostForm.Get("client_id") != ClientID || r.PostForm.Get("token_type_hint") != "refresh_token" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	tok := r.PostForm.Get("token")
	delete(s.refreshTokens, tok)
	s.revoked = append(s.revoked, tok)
	w.WriteHeader(http.StatusOK)
}

// idToken returns an HS256 token carrying sub; signature checks are out of
// scope for the unverified identity path.
func idToken(subject string) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"aud": ClientID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte("oauthtest-signing-key-0123456789"))
	if err != nil {
		panic(err)
	}
	return signed
}

func oauthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
