// Package gateway issues authenticated HTTP calls against the order-management
// API. It attaches the bearer token from the session holder, and on a 401 it
// refreshes the session once on behalf of every concurrent caller before replaying
// the original request.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"adcontrol/internal/observability"
	"adcontrol/internal/session"
	"adcontrol/pkg/api"
)

const (
	refreshPath    = "/auth/refresh"
	refreshKey     = "refresh"
	defaultTimeout = 30 * time.Second
)

var (
	errNoRefreshPath = errors.New("no refresh token available")
	errSuperseded    = errors.New("session changed during refresh")
)

// Response is a successful reply. A 204 yields an empty Body.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals a JSON body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if r == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	authenticated bool
	headers       http.Header
}

// Unauthenticated sends the call without credentials and without refresh handling.
func Unauthenticated() CallOption {
	return func(o *callOptions) { o.authenticated = false }
}

// WithHeader sets an extra request header.
func WithHeader(key, value string) CallOption {
	return func(o *callOptions) {
		if o.headers == nil {
			o.headers = make(http.Header)
		}
		o.headers.Set(key, value)
	}
}

// Gateway is safe for concurrent use.
type Gateway struct {
	baseURL string
	client  *http.Client
	holder  *session.Holder
	logger  observability.Logger
	metrics observability.MetricsRecorder
	clock   func() time.Time

	refreshes singleflight.Group

	hooksMu sync.Mutex
	expired []func(context.Context)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		if c != nil {
			g.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(g *Gateway) { g.logger = observability.LoggerOrNop(l) }
}

// WithMetrics sets the recorder observing every exchange.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(g *Gateway) { g.metrics = observability.MetricsOrNop(m) }
}

// New returns a gateway rooted at baseURL that reads and replaces credentials through holder.
func New(baseURL string, holder *session.Holder, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
		holder:  holder,
		logger:  observability.NopLogger{},
		metrics: observability.NopMetrics{},
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// BaseURL returns the API root without a trailing slash.
func (g *Gateway) BaseURL() string { return g.baseURL }

// Holder returns the session holder the gateway authenticates with.
func (g *Gateway) Holder() *session.Holder { return g.holder }

// OnSessionExpired registers fn to run once per failed refresh, after the session was cleared.
func (g *Gateway) OnSessionExpired(fn func(context.Context)) {
	if fn == nil {
		return
	}
	g.hooksMu.Lock()
	g.expired = append(g.expired, fn)
	g.hooksMu.Unlock()
}

// Call issues method path with body. See encodeBody for the accepted body types.
func (g *Gateway) Call(ctx context.Context, method, path string, body any, opts ...CallOption) (*Response, error) {
	co := callOptions{authenticated: true}
	for _, opt := range opts {
		opt(&co)
	}
	payload, contentType, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return g.do(ctx, method, path, payload, contentType, co, false)
}

// JSON calls the endpoint and decodes the reply into T.
func JSON[T any](ctx context.Context, g *Gateway, method, path string, body any, opts ...CallOption) (T, error) {
	var out T
	resp, err := g.Call(ctx, method, path, body, opts...)
	if err != nil {
		return out, err
	}
	if err := resp.Decode(&out); err != nil {
		return out, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return out, nil
}

func (g *Gateway) do(ctx context.Context, method, path string, payload []byte, contentType string, co callOptions, retried bool) (*Response, error) {
	token := ""
	if co.authenticated && g.holder != nil {
		token = g.holder.AccessToken()
	}
	resp, err := g.exchange(ctx, method, path, payload, contentType, co.headers, token)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusUnauthorized && co.authenticated && !retried && g.holder != nil {
		if current := g.holder.AccessToken(); current != "" && current != token {
			g.logger.Debug("retrying with credentials refreshed by another call", "path", path)
			return g.do(ctx, method, path, payload, contentType, co, true)
		}
		if err := g.refresh(ctx, token); err != nil {
			return nil, err
		}
		return g.do(ctx, method, path, payload, contentType, co, true)
	}
	if resp.Status >= http.StatusBadRequest {
		return nil, newStatusError(resp)
	}
	return resp, nil
}

func (g *Gateway) exchange(ctx context.Context, method, path string, payload []byte, contentType string, headers http.Header, token string) (*Response, error) {
	start := g.clock()
	op := method + " " + pathTemplate(path)
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, vs := range headers {
		req.Header[k] = append([]string(nil), vs...)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := g.client.Do(req)
	if err != nil {
		g.metrics.Observe(ctx, op, false, g.clock().Sub(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", op, ctxErr)
		}
		g.logger.Warn("request failed", "operation", op, "error", err)
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}
	defer func() { _ = res.Body.Close() }()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		g.metrics.Observe(ctx, op, false, g.clock().Sub(start))
		return nil, &TransportError{Method: method, Path: path, Err: fmt.Errorf("read body: %w", err)}
	}
	if res.StatusCode == http.StatusNoContent {
		data = nil
	}
	g.metrics.Observe(ctx, op, res.StatusCode < http.StatusBadRequest, g.clock().Sub(start))
	g.logger.Debug("request completed", "operation", op, "status", res.StatusCode)
	return &Response{Status: res.StatusCode, Header: res.Header, Body: data}, nil
}

// refresh obtains new credentials for every caller that saw stale ones. Concurrent
// callers share one in-flight exchange; a caller arriving after it finished finds
// the access token already replaced and returns without a network call.
func (g *Gateway) refresh(ctx context.Context, stale string) error {
	_, err, _ := g.refreshes.Do(refreshKey, func() (any, error) {
		// refresh outcome must not depend on the first caller's cancellation
		rctx := context.WithoutCancel(ctx)
		current := g.holder.Current()
		switch {
		case current != nil && current.AccessToken != stale:
			return nil, nil
		case current == nil && stale != "":
			// an earlier refresh failure or a logout already tore the session down
			return nil, ErrSessionExpired
		}
		err := g.exchangeRefresh(rctx, current)
		if errors.Is(err, errSuperseded) {
			// a logout or a new login won; its state must survive
			g.logger.Info("discarding refreshed credentials", "reason", err)
			return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		if err != nil {
			g.logger.Warn("session refresh failed", "error", err)
			g.expire(rctx)
			return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		g.logger.Info("session refreshed")
		return nil, nil
	})
	return err
}

func (g *Gateway) exchangeRefresh(ctx context.Context, current *api.Session) error {
	if current == nil || current.RefreshToken == "" {
		return errNoRefreshPath
	}
	payload, ct, err := encodeBody(map[string]string{"refresh_token": current.RefreshToken})
	if err != nil {
		return err
	}
	resp, err := g.do(ctx, http.MethodPost, refreshPath, payload, ct, callOptions{}, true)
	if err != nil {
		return err
	}
	var auth api.AuthResponse
	if err := resp.Decode(&auth); err != nil {
		return fmt.Errorf("decode refresh: %w", err)
	}
	if auth.Tokens.AccessToken == "" {
		return errors.New("refresh returned no access token")
	}
	next := auth.Session()
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if next.Identity.ID == 0 {
		next.Identity = current.Identity
	}
	if !g.holder.ReplaceIf(ctx, current.AccessToken, next) {
		return errSuperseded
	}
	return nil
}

func (g *Gateway) expire(ctx context.Context) {
	g.holder.Clear(ctx)
	g.hooksMu.Lock()
	hooks := append([]func(context.Context){}, g.expired...)
	g.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}
}

// pathTemplate replaces numeric segments so metrics stay low-cardinality.
func pathTemplate(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if s != "" && strings.Trim(s, "0123456789") == "" {
			segs[i] = "{id}"
		}
	}
	return strings.Join(segs, "/")
}
