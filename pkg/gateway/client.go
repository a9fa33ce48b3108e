// Package gateway is the shared resource API client. Every attempt reads
// credentials from the store, and failed calls go through the recovery
// coordinator which may refresh and replay once, hand over to the login
// redirect, or surface the error.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"smartsession/pkg/credstore"
	"smartsession/pkg/errs"
	"smartsession/pkg/logging"
	"smartsession/pkg/metrics"
	"smartsession/pkg/session"
)

const (
	// DefaultTimeout is the per-attempt ceiling.
	DefaultTimeout = 30 * time.Second

	// CSRFHeader carries the anti-CSRF token in both directions.
	CSRFHeader = "X-CSRF-Token"

	maxBodyBytes = 10 << 20
)

// DefaultInvalidationCodes are the envelope codes meaning the server-side
// session is gone.
var DefaultInvalidationCodes = []int{101, 105}

// Session is the part of the session machine the gateway depends on.
// *session.Machine implements it.
type Session interface {
	Store() *credstore.Store
	RefreshAfter(ctx context.Context, stale string) (string, error)
	StartLogin(ctx context.Context, returnTo string) (*session.LoginRequest, error)
	SavePending(rec session.PendingRequest)
}

// Response is a fully read resource API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Envelope   *Envelope
}

// DecodeJSON decodes the response body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Client sends requests to one resource API.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	store       *credstore.Store
	limiter     *rate.Limiter
	invalidated map[int]bool
	logger      *zap.Logger
	retries     *retryTable
	recovery    *coordinator

	coordinatorOpts []CoordinatorOption
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.httpClient.Timeout = d
		}
	}
}

// WithRateLimit paces outgoing attempts. A zero limit disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(cl *Client) {
		if rps <= 0 {
			cl.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		cl.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithInvalidationCodes replaces the session-invalidated envelope codes.
func WithInvalidationCodes(codes ...int) Option {
	return func(cl *Client) {
		cl.invalidated = codeSet(codes)
	}
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// WithRecovery passes options to the recovery coordinator.
func WithRecovery(opts ...CoordinatorOption) Option {
	return func(cl *Client) {
		cl.coordinatorOpts = append(cl.coordinatorOpts, opts...)
	}
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, sess Session, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	c := &Client{
		baseURL:     base,
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		store:       sess.Store(),
		invalidated: codeSet(DefaultInvalidationCodes),
		retries:     newRetryTable(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).Named("gateway")
	c.recovery = newCoordinator(c, sess, c.coordinatorOpts...)
	return c, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Get is shorthand for Do with a GET request.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, NewRequest(http.MethodGet, path, opts...))
}

// Do sends req, letting the recovery coordinator handle failures. On
// error the last response, if any, is returned along with it.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	defer c.retries.forget(req.ID())

	for {
		out := c.attempt(ctx, req)
		if out.err == nil && isSuccess(out.resp.StatusCode) {
			return out.resp, nil
		}

		retry, err := c.recovery.handle(ctx, req, out)
		if !retry {
			return out.resp, err
		}
		c.logger.Debug("REQUEST_REPLAY", zap.String("request_id", req.ID()))
	}
}

// outcome is one round trip. Local and transport failures come back in
// err with a nil resp.
type outcome struct {
	resp   *Response
	bearer string
	err    error
}

func (c *Client) attempt(ctx context.Context, req *Request) outcome {
	bearer, _ := c.store.Get(credstore.AccessToken)
	if req.IsProtected() && bearer == "" && !c.store.Has(credstore.RefreshToken) {
		return outcome{err: errs.ErrNotLoggedIn}
	}
	csrf, _ := c.store.Get(credstore.CSRFToken)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return outcome{bearer: bearer, err: fmt.Errorf("rate limiter: %w", err)}
		}
	}

	httpReq, err := req.build(ctx, c.baseURL, bearer, csrf)
	if err != nil {
		return outcome{bearer: bearer, err: err}
	}

	metrics.GatewayRequestsInFlight.Inc()
	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	metrics.GatewayRequestsInFlight.Dec()
	if err != nil {
		metrics.GatewayRequestDuration.WithLabelValues(req.Method(), "error").Observe(time.Since(start).Seconds())
		c.logger.Warn("REQUEST_FAILED",
			zap.String("request_id", req.ID()),
			zap.String("method", req.Method()),
			zap.String("path", req.Path()),
			zap.Bool("timeout", isTimeout(err)),
			zap.Error(err))
		return outcome{bearer: bearer, err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	metrics.GatewayRequestDuration.WithLabelValues(req.Method(), strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())
	if err != nil {
		return outcome{bearer: bearer, err: fmt.Errorf("failed to read response: %w", err)}
	}

	if token := resp.Header.Get(CSRFHeader); token != "" {
		c.store.Set(credstore.CSRFToken, token)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Envelope:   parseEnvelope(body),
	}
	if isSuccess(out.StatusCode) && c.isInvalidation(out.Envelope) {
		c.store.Clear(credstore.CSRFToken)
		c.logger.Info("CSRF_CLEARED", zap.Int("code", out.Envelope.Code))
	}

	c.logger.Debug("REQUEST_COMPLETE",
		zap.String("request_id", req.ID()),
		zap.String("method", req.Method()),
		zap.String("path", req.Path()),
		zap.Int("status", out.StatusCode),
		zap.Duration("duration", time.Since(start)))
	return outcome{resp: out, bearer: bearer}
}

func (c *Client) isInvalidation(env *Envelope) bool {
	return env != nil && c.invalidated[env.Code]
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func codeSet(codes []int) map[int]bool {
	set := make(map[int]bool, len(codes))
	for _, code := range codes {
		set[code] = true
	}
	return set
}
