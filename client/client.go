// Package client is the resilient request pipeline in front of the credential-issuing backend.
//
// Every call injects the current access token, survives one 401 by refreshing
// and replaying, and is retried on network errors and 5xx responses.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/habedi/convo/auth"
	"github.com/habedi/convo/pkg/apierr"
	"github.com/habedi/convo/pkg/retry"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds a single non-streaming HTTP exchange.
	DefaultTimeout = 30 * time.Second

	// RequestIDHeader carries a per-attempt correlation id.
	RequestIDHeader = "X-Request-ID"

	maxErrorBody = 64 * 1024
)

// TokenSource supplies bearer tokens and renews them. *auth.Manager satisfies it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, bool)
	Refresh(ctx context.Context) (auth.TokenPair, error)
}

// Client issues authenticated calls against one backend.
type Client struct {
	baseURL   string
	endpoints Endpoints
	http      *http.Client
	stream    *http.Client
	policy    retry.Policy
	limiter   *rate.Limiter
	tokens    TokenSource
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for regular calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithStreamHTTPClient replaces the client used for long-lived streaming calls. It should have no overall timeout.
func WithStreamHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.stream = hc }
}

// WithRetryPolicy replaces retry.Default().
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithRateLimiter throttles outgoing attempts. A nil limiter disables throttling.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithEndpoints overrides the endpoint paths.
func WithEndpoints(e Endpoints) Option {
	return func(c *Client) { c.endpoints = e }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		endpoints: DefaultEndpoints(),
		http:      &http.Client{Timeout: DefaultTimeout},
		stream:    &http.Client{},
		policy:    retry.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTokenSource attaches the token source. It is separate from New because the
// token manager itself needs this client to refresh.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// Endpoints returns the configured endpoint paths.
func (c *Client) Endpoints() Endpoints {
	return c.endpoints
}

// Request describes one logical call.
type Request struct {
	Method string
	Path   string
	Body   any
	Header http.Header

	// SkipAuth leaves out the Authorization header and disables the 401 refresh. Login and refresh set it.
	SkipAuth bool
}

// Response is a fully read 2xx response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.New("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		log.Error().Err(err).Str("body_preview", string(r.Body[:min(len(r.Body), 200)])).Msg("Failed to parse response JSON")
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Do sends req through the retry policy and returns the read response.
// Non-2xx responses come back as typed errors from pkg/apierr.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	payload, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	replayed := false
	return retry.Do(ctx, c.policy, func(ctx context.Context) (*Response, error) {
		resp, err := c.authorized(ctx, c.http, req, payload, &replayed)
		if err != nil {
			return nil, err
		}
		defer closeResponseBody(resp)

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &apierr.NetworkError{Op: req.Method + " " + req.Path, Err: err}
		}
		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}, apierr.IsRetryable)
}

// DoJSON is Do followed by decoding the body into out. A nil out discards the body.
func (c *Client) DoJSON(ctx context.Context, req *Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// Open sends req once, with the same auth handling as Do but no retry, and hands back the
// unread 2xx response. The caller closes the body. Used for streaming, where the retry
// decision belongs to the turn rather than the request.
func (c *Client) Open(ctx context.Context, req *Request) (*http.Response, error) {
	payload, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}
	replayed := false
	return c.authorized(ctx, c.stream, req, payload, &replayed)
}

// authorized sends one attempt. A 401 on an authenticated call that has not been
// replayed yet triggers a refresh and exactly one replay.
func (c *Client) authorized(ctx context.Context, hc *http.Client, req *Request, payload []byte, replayed *bool) (*http.Response, error) {
	resp, used, err := c.send(ctx, hc, req, payload)
	if err == nil {
		return resp, nil
	}

	var authErr *apierr.AuthError
	if req.SkipAuth || c.tokens == nil || *replayed || !errors.As(err, &authErr) || authErr.Status != http.StatusUnauthorized {
		return nil, err
	}
	*replayed = true

	if err := c.renew(ctx, used); err != nil {
		return nil, err
	}
	log.Debug().Str("path", req.Path).Msg("Replaying request with renewed token")
	resp, _, err = c.send(ctx, hc, req, payload)
	return resp, err
}

// renew refreshes unless another caller already replaced the token that was rejected.
func (c *Client) renew(ctx context.Context, rejected string) error {
	if current, ok := c.tokens.AccessToken(ctx); ok && current != rejected {
		return nil
	}
	_, err := c.tokens.Refresh(ctx)
	if err == nil {
		return nil
	}
	var term *apierr.SessionTerminatedError
	if errors.As(err, &term) || ctx.Err() != nil {
		return err
	}
	return &apierr.SessionTerminatedError{Err: err}
}

// send performs a single HTTP exchange and classifies the outcome. It returns the access token it used.
func (c *Client) send(ctx context.Context, hc *http.Client, req *Request, payload []byte) (*http.Response, string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		log.Error().Err(err).Str("method", req.Method).Str("path", req.Path).Msg("Failed to create request")
		return nil, "", err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if hreq.Header.Get("Accept") == "" {
		hreq.Header.Set("Accept", "application/json")
	}
	if payload != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		hreq.Header.Set("User-Agent", c.userAgent)
	}
	requestID := uuid.NewString()
	hreq.Header.Set(RequestIDHeader, requestID)

	var token string
	if !req.SkipAuth && c.tokens != nil {
		if t, ok := c.tokens.AccessToken(ctx); ok {
			token = t
			hreq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	logger := log.With().Str("method", req.Method).Str("path", req.Path).Str("request_id", requestID).Logger()
	logger.Debug().Msg("Sending HTTP request")

	resp, err := hc.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, token, ctx.Err()
		}
		logger.Debug().Err(err).Msg("HTTP request failed")
		return nil, token, &apierr.NetworkError{Op: req.Method + " " + req.Path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		closeResponseBody(resp)
		logger.Debug().Int("status", resp.StatusCode).Msg("HTTP request returned non-OK status")
		return nil, token, parseErrorBody(resp.StatusCode, data)
	}

	logger.Debug().Int("status", resp.StatusCode).Msg("HTTP request successful")
	return resp, token, nil
}

func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.([]byte); ok {
		return raw, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return data, nil
}

func closeResponseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, resp.Body, 1024*1024)
	_ = resp.Body.Close()
}
