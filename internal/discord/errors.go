package discord

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies an upstream failure.
type Kind int

const (
	KindClient      Kind = iota + 1 // 4xx other than 429, never retried
	KindServer                      // 5xx, never retried
	KindRateLimited                 // 429, retried after RetryAfter
	KindNetwork                     // no usable response, retried with backoff
	KindCircuitOpen                 // breaker open, no request was made
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client_error"
	case KindServer:
		return "server_error"
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network_failure"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// defaultRetryAfter applies when a 429 carries no usable delay.
const defaultRetryAfter = time.Second

// APIError is returned for every failed upstream call. It is never mutated
// after construction.
type APIError struct {
	Kind       Kind
	Message    string
	StatusCode int
	Body       map[string]any
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("discord: %s (status %d)", e.Message, e.StatusCode)
	}
	return "discord: " + e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

// StatusCode returns the upstream HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsKind reports whether err is an *APIError of kind k.
func IsKind(err error, k Kind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == k
}

// classify maps a response to an *APIError, or nil when status is a success.
func classify(status int, header http.Header, body map[string]any) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &APIError{
			Kind:       KindRateLimited,
			Message:    "rate limited by Discord API",
			StatusCode: status,
			Body:       body,
			RetryAfter: retryAfter(header, body),
		}
	case status >= 400 && status < 500:
		msg, _ := body["message"].(string)
		if msg == "" {
			msg = fmt.Sprintf("client error: %d", status)
		}
		return &APIError{Kind: KindClient, Message: msg, StatusCode: status, Body: body}
	case status >= 500:
		return &APIError{
			Kind:       KindServer,
			Message:    fmt.Sprintf("Discord API server error: %d", status),
			StatusCode: status,
			Body:       body,
		}
	}
	return nil
}

// retryAfter reads the Retry-After header in (fractional) seconds, falling
// back to the retry_after body field.
func retryAfter(header http.Header, body map[string]any) time.Duration {
	if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if secs, ok := body["retry_after"].(float64); ok && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultRetryAfter
}
