// Package discord is the outbound access layer to the Discord REST API: a
// rate-limited, retrying transport plus typed accessors for the endpoints the
// adapter consumes.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"discord-adapter/internal/metrics"
	"discord-adapter/internal/service"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL    = "https://discord.com/api/v10"
	DefaultMaxRetries = 3

	maxResponseBytes = 8 << 20
)

// Client issues upstream calls. Every attempt, retries included, first takes
// a token from the limiter. A Client is safe for concurrent use.
type Client struct {
	baseURL    string
	headers    http.Header
	httpClient *http.Client
	limiter    service.Limiter
	breaker    *service.CircuitBreaker
	metrics    *metrics.Registry
	logger     zerolog.Logger
	maxRetries int
	backoff    func(attempt int) time.Duration
}

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLimiter(l service.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithBreaker fails calls fast while b is open. Only network and server
// failures count against it.
func WithBreaker(b *service.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = b }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.headers.Set("User-Agent", ua) }
}

// WithMaxRetries sets the retry ceiling; a call makes at most n+1 attempts.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackoff replaces the network-failure delay schedule.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(c *Client) { c.backoff = fn }
}

// ExponentialBackoff waits 2^attempt seconds.
func ExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// NewClient builds a Client authenticating as the bot owning token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		headers: http.Header{
			"Authorization": {"Bot " + token},
			"Content-Type":  {"application/json"},
			"User-Agent":    {"discord-adapter/0.1.0"},
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    service.NewTokenBucket(5, 10),
		logger:     zerolog.Nop(),
		maxRetries: DefaultMaxRetries,
		backoff:    ExponentialBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call performs method on path and returns the JSON response body. A non-JSON
// or empty body is returned as {"message": <raw text>}. Failures are
// *APIError except for caller cancellation, which returns ctx.Err().
func (c *Client) Call(ctx context.Context, method, path string, query url.Values, body any, headers http.Header) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
	}

	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return nil, &APIError{Kind: KindCircuitOpen, Message: "upstream circuit is open", Err: err}
		}
	}
	raw, err := c.retry(ctx, method, c.url(path, query), payload, headers)
	if c.breaker != nil {
		c.settle(err)
	}
	return raw, err
}

// settle reports a finished call to the breaker. Only a real upstream
// answer is recorded; any other ending just releases the slot.
func (c *Client) settle(err error) {
	switch {
	case err == nil, IsKind(err, KindClient):
		c.breaker.Done(false)
	case IsKind(err, KindNetwork), IsKind(err, KindServer):
		c.breaker.Done(true)
	default:
		c.breaker.Release()
	}
}

func (c *Client) url(path string, query url.Values) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// retry runs attempts until success, a non-retryable failure or the ceiling.
// 429 waits share the same ceiling as network failures.
func (c *Client) retry(ctx context.Context, method, u string, payload []byte, headers http.Header) (json.RawMessage, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		raw, err := c.attempt(ctx, method, u, payload, headers, attempt)
		if err == nil {
			return raw, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return nil, err
		}

		var wait time.Duration
		switch apiErr.Kind {
		case KindRateLimited:
			if attempt >= c.maxRetries {
				return nil, err
			}
			wait = apiErr.RetryAfter
			c.metrics.ObserveRetry("rate_limited")
			c.logger.Info().Str("method", method).Str("url", u).
				Dur("retry_after", wait).Int("attempt", attempt+1).
				Msg("rate limited, retrying")
		case KindNetwork:
			if attempt >= c.maxRetries {
				c.logger.Error().Err(apiErr.Err).Str("method", method).Str("url", u).Msg("max retries exceeded")
				return nil, &APIError{
					Kind:    KindNetwork,
					Message: fmt.Sprintf("network error after %d retries: %v", c.maxRetries, apiErr.Err),
					Err:     apiErr.Err,
				}
			}
			wait = c.backoff(attempt)
			c.metrics.ObserveRetry("network")
			c.logger.Warn().Err(apiErr.Err).Str("method", method).Str("url", u).
				Int("attempt", attempt+1).Dur("wait", wait).
				Msg("request failed, retrying")
		default:
			return nil, err
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (c *Client) attempt(ctx context.Context, method, u string, payload []byte, headers http.Header, attempt int) (json.RawMessage, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range c.headers {
		req.Header[k] = vs
	}
	for k, vs := range headers {
		req.Header[http.CanonicalHeaderKey(k)] = vs
	}

	c.logger.Debug().Str("method", method).Str("url", u).Int("attempt", attempt+1).Msg("discord request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveAttempt(method, 0)
		return nil, &APIError{Kind: KindNetwork, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.metrics.ObserveAttempt(method, 0)
		return nil, &APIError{Kind: KindNetwork, Message: "read response: " + err.Error(), Err: err}
	}
	c.metrics.ObserveAttempt(method, resp.StatusCode)

	raw, fields := decodeBody(data)
	if err := classify(resp.StatusCode, resp.Header, fields); err != nil {
		apiErr := err.(*APIError)
		switch apiErr.Kind {
		case KindRateLimited:
			c.logger.Warn().Dur("retry_after", apiErr.RetryAfter).Msg("rate limited by Discord")
		case KindClient:
			c.logger.Error().Int("status", resp.StatusCode).Str("error", apiErr.Message).Msg("Discord API client error")
		default:
			c.logger.Error().Int("status", resp.StatusCode).Msg("Discord API server error")
		}
		return nil, err
	}
	return raw, nil
}

// decodeBody returns the body as JSON and, when it is an object, its fields.
func decodeBody(data []byte) (json.RawMessage, map[string]any) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		fields := map[string]any{"message": string(data)}
		raw, _ := json.Marshal(fields)
		return raw, fields
	}
	var fields map[string]any
	if trimmed[0] == '{' {
		_ = json.Unmarshal(trimmed, &fields)
	}
	return json.RawMessage(trimmed), fields
}

// do calls Call and decodes the response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, headers http.Header, out any) error {
	raw, err := c.Call(ctx, method, path, query, body, headers)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
