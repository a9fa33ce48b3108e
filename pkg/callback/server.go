// Package callback runs the loopback HTTP server that receives the
// authorization redirect and completes the login.
package callback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"smartsession/pkg/errs"
	"smartsession/pkg/logging"
	"smartsession/pkg/middleware"
	"smartsession/pkg/session"
)

// DefaultExchangeTimeout bounds the code exchange done inside the handler.
const DefaultExchangeTimeout = 30 * time.Second

// Completer redeems a callback and restarts the login when the callback
// has no attempt to redeem. *session.Machine implements it.
type Completer interface {
	CompleteLogin(ctx context.Context, code, state string) (*session.Landing, error)
	StartLogin(ctx context.Context, returnTo string) (*session.LoginRequest, error)
	IsAuthenticated() bool
}

// Result is the outcome of one callback.
type Result struct {
	Landing *session.Landing
	Err     error
}

// Server serves the redirect URI on a loopback address.
type Server struct {
	addr      string
	path      string
	completer Completer
	logger    *zap.Logger

	results  chan Result
	srv      *http.Server
	listener net.Listener
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a callback server for addr and path. Nothing listens until
// Start.
func New(addr, path string, completer Completer, opts ...ServerOption) *Server {
	s := &Server{
		addr:      addr,
		path:      path,
		completer: completer,
		results:   make(chan Result, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("callback")
	return s
}

// Handler returns the router serving the callback path.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.SecurityHeaders)

	r.Get(s.path, s.handleCallback)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("CALLBACK_SERVER_FAILED", zap.Error(err))
		}
	}()
	s.logger.Debug("CALLBACK_SERVER_STARTED", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Wait blocks until the first callback completes or ctx ends.
func (s *Server) Wait(ctx context.Context) (*session.Landing, error) {
	select {
	case res := <-s.results:
		return res.Landing, res.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for login callback: %w", ctx.Err())
	}
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		err := fmt.Errorf("%w: %s: %s", errs.ErrExchangeFailed, errParam, q.Get("error_description"))
		s.logger.Warn("CALLBACK_PROVIDER_ERROR", zap.String("error", errParam))
		s.deliver(Result{Err: err})
		renderFailure(w, http.StatusBadRequest, "The identity provider refused the sign-in: "+errParam)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultExchangeTimeout)
	defer cancel()

	landing, err := s.completer.CompleteLogin(ctx, q.Get("code"), q.Get("state"))
	if errors.Is(err, errs.ErrMissingVerifier) && s.recoverMissingVerifier(w, r) {
		return
	}
	if err != nil {
		status, msg := failureStatus(err)
		s.logger.Warn("CALLBACK_FAILED", zap.Int("status", status), zap.Error(err))
		s.deliver(Result{Err: err})
		renderFailure(w, status, msg)
		return
	}

	s.logger.Info("CALLBACK_COMPLETE", zap.Bool("pending_request", landing.Pending != nil))
	s.deliver(Result{Landing: landing})
	renderSuccess(w)
}

// recoverMissingVerifier handles a callback with no attempt behind it, as
// after a reload or a second delivery of the same redirect. A signed-in
// session is reported as such; otherwise a new attempt is started and the
// browser sent to it. Nothing is delivered, so Wait keeps waiting.
func (s *Server) recoverMissingVerifier(w http.ResponseWriter, r *http.Request) bool {
	if s.completer.IsAuthenticated() {
		s.logger.Info("CALLBACK_ALREADY_SIGNED_IN")
		renderSuccess(w)
		return true
	}

	req, err := s.completer.StartLogin(r.Context(), "")
	if err != nil {
		s.logger.Warn("CALLBACK_RESTART_FAILED", zap.Error(err))
		return false
	}
	s.logger.Info("CALLBACK_LOGIN_RESTARTED")
	http.Redirect(w, r, req.URL, http.StatusFound)
	return true
}

// deliver keeps the first result; later callbacks are answered but not
// reported.
func (s *Server) deliver(res Result) {
	select {
	case s.results <- res:
	default:
	}
}

func failureStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errs.ErrMissingVerifier):
		return http.StatusBadRequest, "No sign-in is in progress. Start a new login from the terminal."
	case errors.Is(err, errs.ErrStateMismatch):
		return http.StatusBadRequest, "This sign-in link does not match the login in progress."
	case errors.Is(err, errs.ErrTransientNetwork):
		return http.StatusBadGateway, "The identity provider could not be reached. Please try again."
	default:
		return http.StatusBadRequest, "The authorization code was rejected. Please sign in again."
	}
}
