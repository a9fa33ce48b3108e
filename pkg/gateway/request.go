package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"smartsession/pkg/session"
)

// Request is an immutable description of one logical API call. Every
// attempt builds a fresh *http.Request from it.
type Request struct {
	id        string
	method    string
	path      string
	query     url.Values
	header    http.Header
	body      []byte
	protected bool
}

// RequestOption configures a Request at construction.
type RequestOption func(*Request)

// WithQuery sets the query parameters.
func WithQuery(q url.Values) RequestOption {
	return func(r *Request) {
		r.query = cloneValues(q)
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *Request) {
		r.header.Add(key, value)
	}
}

// WithBody sets a raw request body.
func WithBody(body []byte, contentType string) RequestOption {
	return func(r *Request) {
		r.body = bytes.Clone(body)
		if contentType != "" {
			r.header.Set("Content-Type", contentType)
		}
	}
}

// Protected marks a call that needs credentials. It fails locally with
// errs.ErrNotLoggedIn when neither an access nor a refresh token is stored.
func Protected() RequestOption {
	return func(r *Request) {
		r.protected = true
	}
}

// NewRequest creates a request with a fresh correlation id.
func NewRequest(method, path string, opts ...RequestOption) *Request {
	r := &Request{
		id:     uuid.NewString(),
		method: strings.ToUpper(method),
		path:   path,
		header: make(http.Header),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewJSONRequest creates a request whose body is v encoded as JSON.
func NewJSONRequest(method, path string, v any, opts ...RequestOption) (*Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return NewRequest(method, path, append(opts, WithBody(body, "application/json"))...), nil
}

// ID returns the correlation id shared by every attempt.
func (r *Request) ID() string { return r.id }

// Method returns the HTTP method.
func (r *Request) Method() string { return r.method }

// Path returns the path relative to the gateway base URL.
func (r *Request) Path() string { return r.path }

// Query returns a copy of the query parameters.
func (r *Request) Query() url.Values { return cloneValues(r.query) }

// Header returns a copy of the caller-supplied headers.
func (r *Request) Header() http.Header { return r.header.Clone() }

// Body returns a copy of the body.
func (r *Request) Body() []byte { return bytes.Clone(r.body) }

// IsProtected reports whether the request was created with Protected.
func (r *Request) IsProtected() bool { return r.protected }

// build creates one attempt against base with the credentials current at
// the time of the attempt.
func (r *Request) build(ctx context.Context, base *url.URL, bearer, csrf string) (*http.Request, error) {
	u, err := base.Parse(strings.TrimPrefix(r.path, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", r.path, err)
	}
	if len(r.query) > 0 {
		q := u.Query()
		for k, vs := range r.query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header = r.header.Clone()
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if csrf != "" {
		req.Header.Set(CSRFHeader, csrf)
	}
	return req, nil
}

// credentialHeaders never leave the process in a pending record.
var credentialHeaders = []string{"Authorization", CSRFHeader, "Cookie"}

// Snapshot returns the pending-request record for r. Credential headers
// are dropped.
func (r *Request) Snapshot(base *url.URL) session.PendingRequest {
	target := r.path
	if base != nil {
		if u, err := base.Parse(strings.TrimPrefix(r.path, "/")); err == nil {
			target = u.String()
		}
	}

	header := r.header.Clone()
	for _, h := range credentialHeaders {
		header.Del(h)
	}
	var headers map[string]string
	if len(header) > 0 {
		headers = make(map[string]string, len(header))
		for k := range header {
			headers[k] = header.Get(k)
		}
	}

	var params map[string][]string
	if len(r.query) > 0 {
		params = map[string][]string(cloneValues(r.query))
	}

	return session.PendingRequest{
		ID:      r.id,
		Method:  r.method,
		URL:     target,
		Headers: headers,
		Params:  params,
		Body:    string(r.body),
	}
}

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return nil
	}
	out := make(url.Values, len(v))
	maps.Copy(out, v)
	for k, vs := range out {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
