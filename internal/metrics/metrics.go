package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the adapter's collectors. A nil *Registry is valid and
// records nothing, so library code can be used without metrics.
type Registry struct {
	UpstreamAttempts  *prometheus.CounterVec
	UpstreamRetries   *prometheus.CounterVec
	RateLimited       prometheus.Counter
	LimiterWait       prometheus.Histogram
	ModerationActions *prometheus.CounterVec
	InboundRequests   prometheus.Counter
	InboundRejected   prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewRegistry creates the collectors on a private prometheus registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		UpstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discord_upstream_attempts_total",
			Help: "Upstream HTTP attempts by method and status class",
		}, []string{"method", "status"}),
		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discord_upstream_retries_total",
			Help: "Upstream retries by cause",
		}, []string{"cause"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discord_upstream_rate_limited_total",
			Help: "Upstream 429 responses",
		}),
		LimiterWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "discord_limiter_wait_seconds",
			Help:    "Time callers spent waiting for outbound budget",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		ModerationActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discord_moderation_actions_total",
			Help: "Moderation requests by action and outcome",
		}, []string{"action", "outcome"}),
		InboundRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adapter_requests_total",
			Help: "Total requests received",
		}),
		InboundRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adapter_rate_limited_total",
			Help: "Total inbound requests rejected by the per-caller limiter",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		r.UpstreamAttempts, r.UpstreamRetries, r.RateLimited, r.LimiterWait,
		r.ModerationActions, r.InboundRequests, r.InboundRejected,
		collectors.NewGoCollector(),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// ObserveAttempt records one upstream attempt. status 0 means no response.
func (r *Registry) ObserveAttempt(method string, status int) {
	if r == nil {
		return
	}
	class := "network"
	if status > 0 {
		class = strconv.Itoa(status/100) + "xx"
	}
	r.UpstreamAttempts.WithLabelValues(method, class).Inc()
	if status == http.StatusTooManyRequests {
		r.RateLimited.Inc()
	}
}

// ObserveRetry records a retry caused by "rate_limited" or "network".
func (r *Registry) ObserveRetry(cause string) {
	if r == nil {
		return
	}
	r.UpstreamRetries.WithLabelValues(cause).Inc()
}

// ObserveWait records a limiter suspension.
func (r *Registry) ObserveWait(d time.Duration) {
	if r == nil {
		return
	}
	r.LimiterWait.Observe(d.Seconds())
}

// ObserveModeration records a moderation outcome.
func (r *Registry) ObserveModeration(action, outcome string) {
	if r == nil {
		return
	}
	r.ModerationActions.WithLabelValues(action, outcome).Inc()
}
