package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"smartsession/pkg/countdown"
	"smartsession/pkg/credstore"
	"smartsession/pkg/errs"
	"smartsession/pkg/metrics"
	"smartsession/pkg/session"
)

const (
	// DefaultCountdown is how long the user can cancel a login redirect.
	DefaultCountdown = 5 * time.Second

	// GenericFailureMessage is shown when the server gave no message.
	GenericFailureMessage = "The request failed. Please try again later."

	redirectKey = "redirect"
)

// Notification is a user-visible failure report.
type Notification struct {
	RequestID string
	Status    int
	Code      int
	Message   string
}

// Notifier shows failure notifications to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

// LoginPrompt runs the countdown before a login redirect and returns its
// final state. Only a Fired countdown leads to navigation.
type LoginPrompt interface {
	Prompt(ctx context.Context, cd *countdown.Countdown) countdown.State
}

// PromptFunc adapts a function to LoginPrompt.
type PromptFunc func(ctx context.Context, cd *countdown.Countdown) countdown.State

// Prompt calls f.
func (f PromptFunc) Prompt(ctx context.Context, cd *countdown.Countdown) countdown.State {
	return f(ctx, cd)
}

// TickerPrompt runs the countdown on wall-clock seconds with no display.
type TickerPrompt struct{}

// Prompt implements LoginPrompt.
func (TickerPrompt) Prompt(ctx context.Context, cd *countdown.Countdown) countdown.State {
	return countdown.RunWithTicker(ctx, cd, nil)
}

// coordinator decides what happens to a failed call, in order:
// redirect for unrecoverable credentials, refresh and replay once on a
// first 401, terminal error on a second 401, CSRF reset on session
// invalidation codes, and otherwise a notification.
type coordinator struct {
	client    *Client
	session   Session
	notifier  Notifier
	navigator session.Navigator
	prompt    LoginPrompt
	countdown time.Duration
	logger    *zap.Logger

	flight singleflight.Group
}

// CoordinatorOption configures failure recovery.
type CoordinatorOption func(*coordinator)

// WithNotifier sets where surfaced failures are reported.
func WithNotifier(n Notifier) CoordinatorOption {
	return func(co *coordinator) {
		co.notifier = n
	}
}

// WithNavigator sets how the login redirect is performed.
func WithNavigator(n session.Navigator) CoordinatorOption {
	return func(co *coordinator) {
		co.navigator = n
	}
}

// WithLoginPrompt sets the countdown driver shown before a redirect.
func WithLoginPrompt(p LoginPrompt) CoordinatorOption {
	return func(co *coordinator) {
		co.prompt = p
	}
}

// WithCountdown sets the countdown length.
func WithCountdown(d time.Duration) CoordinatorOption {
	return func(co *coordinator) {
		if d >= 0 {
			co.countdown = d
		}
	}
}

func newCoordinator(c *Client, sess Session, opts ...CoordinatorOption) *coordinator {
	co := &coordinator{
		client:    c,
		session:   sess,
		prompt:    TickerPrompt{},
		countdown: DefaultCountdown,
		logger:    c.logger.Named("recovery"),
	}
	for _, opt := range opts {
		opt(co)
	}
	if co.notifier == nil {
		co.notifier = NotifierFunc(func(_ context.Context, n Notification) {
			co.logger.Warn("REQUEST_NOTIFICATION",
				zap.String("request_id", n.RequestID),
				zap.Int("status", n.Status),
				zap.String("message", n.Message))
		})
	}
	return co
}

// handle reports whether req should be replayed, or the error to return.
func (co *coordinator) handle(ctx context.Context, req *Request, out outcome) (bool, error) {
	switch {
	case out.err != nil && errs.IsRedirectable(out.err):
		return false, co.redirect(ctx, req, out.err)

	case out.resp != nil && out.resp.StatusCode == http.StatusUnauthorized:
		if !co.client.retries.mark(req.ID()) {
			metrics.RecordRecovery("terminal")
			co.logger.Warn("UNAUTHORIZED_AFTER_REFRESH", zap.String("request_id", req.ID()))
			return false, fmt.Errorf("%w: %w", errs.ErrUnauthorizedTerminal, applicationError(out.resp))
		}

		_, err := co.session.RefreshAfter(ctx, out.bearer)
		switch {
		case err == nil:
			metrics.RecordRecovery("retry")
			return true, nil
		case errs.IsRedirectable(err):
			return false, co.redirect(ctx, req, err)
		default:
			return false, co.surface(ctx, req, out, err)
		}

	case out.resp != nil && co.client.isInvalidation(out.resp.Envelope):
		co.client.store.Clear(credstore.CSRFToken)
		metrics.RecordRecovery("invalidated")
		co.logger.Info("SESSION_INVALIDATED",
			zap.String("request_id", req.ID()),
			zap.Int("code", out.resp.Envelope.Code))
		return false, fmt.Errorf("%w: %w", errs.ErrSessionInvalidated, applicationError(out.resp))

	default:
		return false, co.surface(ctx, req, out, nil)
	}
}

// redirect records req as the pending request and runs the shared
// countdown-then-login flow. Concurrent callers join the same prompt.
func (co *coordinator) redirect(ctx context.Context, req *Request, cause error) error {
	co.session.SavePending(req.Snapshot(co.client.baseURL))
	metrics.RecordRecovery("redirect")

	ch := co.flight.DoChan(redirectKey, func() (any, error) {
		return co.promptAndNavigate(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			co.logger.Warn("LOGIN_REDIRECT_FAILED", zap.Error(res.Err))
		}
	case <-ctx.Done():
	}
	return fmt.Errorf("%w: %w", errs.ErrLoginRequired, cause)
}

func (co *coordinator) promptAndNavigate(ctx context.Context) (countdown.Phase, error) {
	cd := countdown.New(co.countdown, time.Second)
	final := co.prompt.Prompt(ctx, cd)
	if final.Phase != countdown.Fired {
		co.logger.Info("LOGIN_REDIRECT_CANCELLED", zap.Stringer("phase", final.Phase))
		return final.Phase, nil
	}

	login, err := co.session.StartLogin(ctx, "")
	if err != nil {
		return final.Phase, fmt.Errorf("failed to start login: %w", err)
	}
	metrics.LoginRedirects.WithLabelValues("recovery").Inc()

	if co.navigator == nil {
		co.logger.Warn("LOGIN_REDIRECT_UNAVAILABLE", zap.String("url", login.URL))
		return final.Phase, nil
	}
	if err := co.navigator.Navigate(ctx, login.URL); err != nil {
		return final.Phase, fmt.Errorf("failed to navigate to login: %w", err)
	}
	co.logger.Info("LOGIN_REDIRECT")
	return final.Phase, nil
}

// surface notifies the user and returns the caller-facing error. cause
// is a local failure that replaced the response, if any.
func (co *coordinator) surface(ctx context.Context, req *Request, out outcome, cause error) error {
	n := Notification{RequestID: req.ID(), Message: GenericFailureMessage}
	var result error

	switch {
	case cause != nil:
		result = fmt.Errorf("refresh before replay: %w", cause)
	case out.resp == nil:
		result = fmt.Errorf("%w: %w", errs.ErrTransientNetwork, out.err)
	default:
		appErr := applicationError(out.resp)
		n.Status, n.Code = appErr.Status, appErr.Code
		if appErr.Msg != "" {
			n.Message = appErr.Msg
		}
		result = appErr
		if out.resp.StatusCode >= http.StatusInternalServerError {
			result = fmt.Errorf("%w: %w", errs.ErrTransientNetwork, appErr)
		}
	}

	if errors.Is(result, errs.ErrTransientNetwork) {
		metrics.RecordRecovery("transient")
	} else {
		metrics.RecordRecovery("surfaced")
	}
	co.notifier.Notify(ctx, n)
	return result
}

func applicationError(resp *Response) *errs.ApplicationError {
	appErr := &errs.ApplicationError{Status: resp.StatusCode}
	if resp.Envelope != nil {
		appErr.Code = resp.Envelope.Code
		appErr.Msg = resp.Envelope.Msg
	}
	return appErr
}
