package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"smartsession/pkg/errs"
	"smartsession/pkg/middleware"
)

// hopHeaders are not forwarded in either direction.
var hopHeaders = []string{
	"Authorization", "Connection", "Cookie", "Host", "Keep-Alive",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
	CSRFHeader, "Content-Length", "Accept-Encoding",
}

// ProxyOptions configures the local proxy handler.
type ProxyOptions struct {
	AllowedOrigins []string
	RateLimiter    *middleware.RateLimiter
	Metrics        bool
}

// ProxyHandler exposes the API behind c to local tools. Credentials and
// CSRF tokens are added by the gateway and never accepted from callers.
func (c *Client) ProxyHandler(opts ProxyOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(c.logger.Named("proxy")))
	r.Use(middleware.SecurityHeaders)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(opts.AllowedOrigins))
	}
	if opts.RateLimiter != nil {
		r.Use(opts.RateLimiter.Middleware)
	}

	if opts.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.HandleFunc("/api/*", c.serveProxy)
	return r
}

func (c *Client) serveProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeProxyError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	opts := []RequestOption{WithQuery(r.URL.Query())}
	if len(body) > 0 {
		opts = append(opts, WithBody(body, r.Header.Get("Content-Type")))
	}
	for key, values := range r.Header {
		if isHopHeader(key) || strings.EqualFold(key, "Content-Type") {
			continue
		}
		for _, v := range values {
			opts = append(opts, WithHeader(key, v))
		}
	}

	path := "/" + chi.URLParam(r, "*")
	resp, err := c.Do(r.Context(), NewRequest(r.Method, path, opts...))
	if err != nil && resp == nil {
		status, msg := proxyStatus(err)
		c.logger.Warn("PROXY_REQUEST_FAILED", zap.String("path", path), zap.Error(err))
		writeProxyError(w, status, msg)
		return
	}
	if err != nil && errors.Is(err, errs.ErrLoginRequired) {
		writeProxyError(w, http.StatusUnauthorized, "login required")
		return
	}

	for key, values := range resp.Header {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func proxyStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errs.ErrLoginRequired), errors.Is(err, errs.ErrNotLoggedIn):
		return http.StatusUnauthorized, "login required"
	case errors.Is(err, errs.ErrUnauthorizedTerminal):
		return http.StatusUnauthorized, "unauthorized"
	case isTimeout(err):
		return http.StatusGatewayTimeout, "upstream timeout"
	default:
		return http.StatusBadGateway, "upstream unavailable"
	}
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, key) {
			return true
		}
	}
	return false
}

func writeProxyError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    status,
		"msg":     msg,
		"success": false,
	})
}
