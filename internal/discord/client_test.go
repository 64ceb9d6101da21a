package discord

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"discord-adapter/internal/metrics"
	"discord-adapter/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func noBackoff(int) time.Duration { return 0 }

func newTestClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	base := []Option{
		WithBaseURL(srv.URL),
		WithLimiter(service.NewTokenBucket(1000, 100)),
		WithBackoff(noBackoff),
	}
	return NewClient("test-token", append(base, opts...)...)
}

func TestCall_RateLimitedThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":0.1}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"42"}`))
	}))

	start := time.Now()
	raw, err := c.Call(context.Background(), http.MethodGet, "/users/@me", nil, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"42"}`, string(raw))
	assert.EqualValues(t, 2, attempts.Load())
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestCall_NetworkFailureRetryBound(t *testing.T) {
	var attempts atomic.Int32
	hc := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		attempts.Add(1)
		return nil, errors.New("connection reset by peer")
	})}
	c := NewClient("test-token",
		WithBaseURL("http://upstream.invalid/api/v10"),
		WithHTTPClient(hc),
		WithLimiter(service.NewTokenBucket(1000, 100)),
		WithBackoff(noBackoff),
	)

	_, err := c.Call(context.Background(), http.MethodGet, "/users/@me", nil, nil, nil)
	require.Error(t, err)
	assert.EqualValues(t, DefaultMaxRetries+1, attempts.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindNetwork, apiErr.Kind)
	assert.Contains(t, apiErr.Error(), "connection reset by peer")
}

func TestCall_BackoffSchedule(t *testing.T) {
	var waits []int
	hc := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("timeout")
	})}
	c := NewClient("test-token",
		WithBaseURL("http://upstream.invalid"),
		WithHTTPClient(hc),
		WithLimiter(service.NewTokenBucket(1000, 100)),
		WithBackoff(func(attempt int) time.Duration {
			waits = append(waits, attempt)
			return 0
		}),
	)

	_, err := c.Call(context.Background(), http.MethodGet, "/x", nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, []int{0, 1, 2}, waits)
	assert.Equal(t, 2*time.Second, ExponentialBackoff(1))
	assert.Equal(t, 8*time.Second, ExponentialBackoff(3))
}

func TestCall_RateLimitSharesCeiling(t *testing.T) {
	var attempts atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.Call(context.Background(), http.MethodGet, "/users/@me", nil, nil, nil)
	assert.True(t, IsKind(err, KindRateLimited))
	assert.EqualValues(t, 4, attempts.Load())
}

func TestCall_NoRetryOnClientOrServerError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   Kind
		msg    string
	}{
		{"forbidden", http.StatusForbidden, `{"message":"Missing Permissions","code":50013}`, KindClient, "Missing Permissions"},
		{"not found", http.StatusNotFound, ``, KindClient, "client error: 404"},
		{"server", http.StatusBadGateway, `oops`, KindServer, "Discord API server error: 502"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := c.Call(context.Background(), http.MethodGet, "/guilds/1", nil, nil, nil)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.kind, apiErr.Kind)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.msg, apiErr.Message)
			assert.EqualValues(t, 1, attempts.Load())
		})
	}
}

func TestCall_NonJSONBodySubstituted(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte("plain text"))
	}))

	raw, err := c.Call(context.Background(), http.MethodGet, "/text", nil, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"plain text"}`, string(raw))

	raw, err = c.Call(context.Background(), http.MethodDelete, "/empty", nil, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":""}`, string(raw))
}

func TestCall_InjectsHeaders(t *testing.T) {
	var got http.Header
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`{}`))
	}), WithUserAgent("Discord MCP Server/0.1.0"))

	_, err := c.Call(context.Background(), http.MethodPost, "/channels/1/messages", nil,
		map[string]string{"content": "hi"}, http.Header{"x-audit-log-reason": {"cleanup"}})
	require.NoError(t, err)
	assert.Equal(t, "Bot test-token", got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "Discord MCP Server/0.1.0", got.Get("User-Agent"))
	assert.Equal(t, "cleanup", got.Get("X-Audit-Log-Reason"))
}

func TestCall_ContextCancelledDuringRetryAfter(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "10")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, http.MethodGet, "/users/@me", nil, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCall_BreakerOpensOnServerErrors(t *testing.T) {
	var attempts atomic.Int32
	status := http.StatusInternalServerError
	cb := service.NewCircuitBreaker(2, 1, time.Minute)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(status)
	}), WithBreaker(cb))

	for i := 0; i < 2; i++ {
		_, err := c.Call(context.Background(), http.MethodGet, "/guilds/1", nil, nil, nil)
		assert.True(t, IsKind(err, KindServer))
	}
	_, err := c.Call(context.Background(), http.MethodGet, "/guilds/1", nil, nil, nil)
	assert.True(t, IsKind(err, KindCircuitOpen))
	assert.ErrorIs(t, err, service.ErrCircuitBreakerOpen)
	assert.EqualValues(t, 2, attempts.Load())
}

func TestCall_ClientErrorsDoNotTripBreaker(t *testing.T) {
	cb := service.NewCircuitBreaker(2, 1, time.Minute)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}), WithBreaker(cb))

	for i := 0; i < 5; i++ {
		_, err := c.Call(context.Background(), http.MethodGet, "/guilds/1", nil, nil, nil)
		assert.True(t, IsNotFound(err))
	}
	assert.Equal(t, service.StateClosed, cb.GetState())
}

func TestCall_CancelledProbeLeavesBreakerHalfOpen(t *testing.T) {
	var attempts atomic.Int32
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	cb := service.NewCircuitBreaker(1, 1, 10*time.Millisecond)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(int(status.Load()))
	}), WithBreaker(cb))

	_, err := c.Call(context.Background(), http.MethodGet, "/guilds/1", nil, nil, nil)
	require.True(t, IsKind(err, KindServer))
	require.Equal(t, service.StateOpen, cb.GetState())

	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Call(ctx, http.MethodGet, "/guilds/1", nil, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, service.StateHalfOpen, cb.GetState())
	assert.EqualValues(t, 1, attempts.Load())

	// The released slot lets a real probe through to close the circuit.
	status.Store(http.StatusOK)
	_, err = c.Call(context.Background(), http.MethodGet, "/guilds/1", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, service.StateClosed, cb.GetState())
}

func TestCall_CancellationKeepsFailureCount(t *testing.T) {
	cb := service.NewCircuitBreaker(2, 1, time.Minute)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}), WithBreaker(cb))

	_, err := c.Call(context.Background(), http.MethodGet, "/guilds/1", nil, nil, nil)
	require.True(t, IsKind(err, KindServer))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Call(ctx, http.MethodGet, "/guilds/1", nil, nil, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, cb.GetMetrics().FailureCount)

	_, err = c.Call(context.Background(), http.MethodGet, "/guilds/1", nil, nil, nil)
	require.True(t, IsKind(err, KindServer))
	assert.Equal(t, service.StateOpen, cb.GetState())
}

func TestCall_ExhaustedRateLimitIsNotASuccess(t *testing.T) {
	var limited atomic.Bool
	cb := service.NewCircuitBreaker(2, 1, time.Minute)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limited.Load() {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}), WithBreaker(cb))

	_, err := c.Call(context.Background(), http.MethodGet, "/guilds/1", nil, nil, nil)
	require.True(t, IsKind(err, KindServer))

	limited.Store(true)
	_, err = c.Call(context.Background(), http.MethodGet, "/guilds/1", nil, nil, nil)
	require.True(t, IsKind(err, KindRateLimited))
	assert.Equal(t, 1, cb.GetMetrics().FailureCount)
}

func TestCall_RecordsMetrics(t *testing.T) {
	var attempts atomic.Int32
	reg := metrics.NewRegistry()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}), WithMetrics(reg))

	_, err := c.Call(context.Background(), http.MethodGet, "/users/@me", nil, nil, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `discord_upstream_attempts_total{method="GET",status="2xx"} 1`)
	assert.Contains(t, body, `discord_upstream_retries_total{cause="rate_limited"} 1`)
	assert.Contains(t, body, `discord_upstream_rate_limited_total 1`)
}

func TestClassify(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "2.5")
	err := classify(http.StatusTooManyRequests, h, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 2500*time.Millisecond, apiErr.RetryAfter)

	err = classify(http.StatusTooManyRequests, http.Header{}, map[string]any{"retry_after": 0.25})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 250*time.Millisecond, apiErr.RetryAfter)

	err = classify(http.StatusTooManyRequests, http.Header{}, nil)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, time.Second, apiErr.RetryAfter)

	assert.NoError(t, classify(http.StatusOK, nil, nil))
	assert.NoError(t, classify(http.StatusNoContent, nil, nil))
	assert.Equal(t, 0, StatusCode(errors.New("plain")))
	assert.Equal(t, "rate_limited", KindRateLimited.String())
}
