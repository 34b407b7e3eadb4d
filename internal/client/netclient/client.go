// Package netclient is the single HTTP path between the app and the backend.
//
// Every request goes through the same pipeline: rate limiting, bearer token
// from a TokenProvider, per-attempt timeout, exponential backoff with jitter
// for transient failures, one token refresh on 401, and snake_case/camelCase
// key translation of JSON bodies. Callers only ever see camelCase documents
// and the error types of package common.
package netclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/logging"
	"github.com/dmitrijs2005/roomies/internal/wire"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// TokenProvider supplies bearer tokens. It is implemented by the auth
// session manager.
type TokenProvider interface {
	// AccessToken returns a valid token, refreshing first if it is about to
	// expire.
	AccessToken(ctx context.Context) (string, error)
	// ForceRefresh is called after the server rejected stale. It returns a
	// newer token, refreshing only if nobody has done so already.
	ForceRefresh(ctx context.Context, stale string) (string, error)
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// RateLimit is requests per second; <= 0 disables pacing.
	RateLimit float64
	RateBurst int
}

func (o *Options) setDefaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 20 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 30 * time.Second
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
}

const (
	maxResponseBytes = 8 << 20
	jitterPercent    = 20
)

type Client struct {
	base    *url.URL
	opts    Options
	limiter *rate.Limiter
	tokens  TokenProvider
	log     logging.Logger
}

// New builds an unauthenticated client. Use WithTokens to get one that
// attaches bearer tokens.
func New(opts Options, log logging.Logger) (*Client, error) {
	opts.setDefaults()
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if log == nil {
		log = logging.Nop()
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}

	return &Client{
		base:    base,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.RateBurst),
		log:     log.With("component", "netclient"),
	}, nil
}

// WithTokens returns a client sharing transport and rate limiter with c that
// authenticates every request through tp.
func (c *Client) WithTokens(tp TokenProvider) *Client {
	cp := *c
	cp.tokens = tp
	return &cp
}

// Response is a completed HTTP exchange. Body is already in camelCase form.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return &common.DecodingError{Err: io.ErrUnexpectedEOF}
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &common.DecodingError{Err: err}
	}
	return nil
}

type request struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   []byte
}

// RequestOption customises a single request.
type RequestOption func(*request)

func WithHeader(key, value string) RequestOption {
	return func(r *request) { r.header.Set(key, value) }
}

func WithQuery(q url.Values) RequestOption {
	return func(r *request) { r.query = q }
}

// Do sends body (any JSON-encodable value, or nil) and returns the response.
// Non-2xx statuses are returned as errors together with the response.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	req := &request{method: method, path: path, header: http.Header{}}
	for _, o := range opts {
		o(req)
	}
	if body != nil {
		b, err := wire.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		req.body = b
	}
	if req.header.Get(wire.HeaderRequestID) == "" {
		req.header.Set(wire.HeaderRequestID, uuid.NewString())
	}

	if c.tokens == nil {
		resp, err := c.send(ctx, req, "")
		if err != nil {
			return nil, err
		}
		return resp, statusError(resp)
	}

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusUnauthorized {
		c.log.Debug(ctx, "access token rejected, refreshing", "method", method, "path", path)
		token, err = c.tokens.ForceRefresh(ctx, token)
		if err != nil {
			return nil, err
		}
		resp, err = c.send(ctx, req, token)
		if err != nil {
			return nil, err
		}
		if resp.Status == http.StatusUnauthorized {
			return resp, fmt.Errorf("%s %s: %w", method, path, common.ErrUnauthorized)
		}
	}
	return resp, statusError(resp)
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.opts.RetryBaseDelay)
	b = retry.WithJitterPercent(jitterPercent, b)
	b = retry.WithCappedDuration(c.opts.RetryMaxDelay, b)
	return retry.WithMaxRetries(uint64(c.opts.MaxAttempts-1), b)
}

// send runs attempts until one gets a non-retryable answer or the attempt
// budget is spent. Transport failures and 5xx/429 are retried.
func (c *Client) send(ctx context.Context, req *request, token string) (*Response, error) {
	var (
		resp    *Response
		attempt int
	)
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		r, err := c.attempt(ctx, req, token)
		if err != nil {
			if transient(err) {
				c.log.Debug(ctx, "request failed, will retry", "path", req.path, "attempt", attempt, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		if serr, ok := statusError(r).(*common.ServerError); ok && serr.Retryable() {
			c.log.Debug(ctx, "server error, will retry", "path", req.path, "attempt", attempt, "status", r.Status)
			return retry.RetryableError(serr)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, common.ErrTimeout) {
			return nil, fmt.Errorf("%w: %w", common.ErrTimeout, err)
		}
		return nil, err
	}
	return resp, nil
}

func transient(err error) bool {
	return errors.Is(err, common.ErrNetworkUnavailable) || errors.Is(err, common.ErrTimeout)
}

func (c *Client) attempt(ctx context.Context, req *request, token string) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classify(ctx, err)
	}

	actx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	hreq, err := http.NewRequestWithContext(actx, req.method, c.resolve(req), body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.header {
		hreq.Header[k] = v
	}
	hreq.Header.Set("Accept", "application/json")
	if req.body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		hreq.Header.Set("Authorization", "Bearer "+token)
	}

	hresp, err := c.opts.HTTPClient.Do(hreq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer hresp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(hresp.Body, maxResponseBytes))
	if err != nil {
		return nil, classify(ctx, err)
	}

	resp := &Response{Status: hresp.StatusCode, Header: hresp.Header}
	camel, err := wire.ToCamel(raw)
	switch {
	case err == nil:
		resp.Body = camel
	case hresp.StatusCode < 300:
		return nil, &common.DecodingError{Err: err}
	default:
		// error pages from proxies are often not JSON
		resp.Body = raw
	}
	return resp, nil
}

func (c *Client) resolve(req *request) string {
	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(req.path, "/")
	if len(req.query) > 0 {
		u.RawQuery = req.query.Encode()
	}
	return u.String()
}

// classify maps a transport failure onto ErrTimeout or ErrNetworkUnavailable.
// A cancelled caller context is returned as is.
func classify(parent context.Context, err error) error {
	if perr := parent.Err(); perr != nil {
		if errors.Is(perr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", common.ErrTimeout, perr)
		}
		return perr
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return fmt.Errorf("%w: %w", common.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", common.ErrNetworkUnavailable, err)
}

// statusError maps a non-2xx response onto the common error types.
func statusError(r *Response) error {
	if r.Status >= 200 && r.Status < 300 {
		return nil
	}

	var body wire.ErrorBody
	_ = json.Unmarshal(r.Body, &body)

	switch body.Error {
	case wire.CodeVersionConflict:
		return &common.VersionConflictError{Current: body.Current, LastMutationKey: body.LastMutationKey}
	case wire.CodeValidation:
		return &common.ValidationError{Field: body.Field, Reason: body.Message}
	case wire.CodeInvalidCredentials:
		return common.ErrInvalidCredentials
	case wire.CodeIdentifierInUse:
		return common.ErrIdentifierInUse
	case wire.CodeRefreshExpired:
		return common.ErrRefreshTokenExpired
	}

	switch r.Status {
	case http.StatusUnauthorized:
		return common.ErrUnauthorized
	case http.StatusForbidden:
		return common.ErrForbidden
	case http.StatusNotFound:
		return common.ErrNotFound
	case http.StatusConflict:
		return &common.VersionConflictError{Current: body.Current, LastMutationKey: body.LastMutationKey}
	}
	return &common.ServerError{Status: r.Status, Code: body.Error, Message: body.Message}
}
