package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"discord-adapter/internal/metrics"

	"golang.org/x/time/rate"
)

// CallerLimiter keeps one token bucket per inbound caller so that a single
// client cannot drain the bot's shared upstream budget.
type CallerLimiter struct {
	mu           sync.Mutex
	entries      map[string]*callerEntry
	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type callerEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type CallerLimiterOption func(*CallerLimiter)

func WithIdleTTL(d time.Duration) CallerLimiterOption {
	return func(l *CallerLimiter) { l.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) CallerLimiterOption {
	return func(l *CallerLimiter) { l.cleanupEvery = d }
}

func NewCallerLimiter(rps float64, burst int, opts ...CallerLimiterOption) *CallerLimiter {
	l := &CallerLimiter{
		entries:      make(map[string]*callerEntry),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *CallerLimiter) get(key string) *rate.Limiter {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if ent, ok := l.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	l.entries[key] = &callerEntry{lim: lim, lastSeen: now}
	return lim
}

// Allow reports whether key may proceed now, and if not how long it should
// wait before retrying.
func (l *CallerLimiter) Allow(key string) (bool, time.Duration) {
	res := l.get(key).Reserve()
	if !res.OK() {
		return false, time.Second
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return false, d
	}
	return true, 0
}

// Len reports the number of tracked callers.
func (l *CallerLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Cleanup forgets callers idle for longer than the idle TTL.
func (l *CallerLimiter) Cleanup() {
	cutoff := l.now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, ent := range l.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
}

// StartJanitor runs Cleanup periodically until ctx is cancelled.
func (l *CallerLimiter) StartJanitor(ctx context.Context) {
	if l.cleanupEvery <= 0 {
		return
	}
	t := time.NewTicker(l.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Cleanup()
			}
		}
	}()
}

// RateLimit rejects callers that exceed their inbound budget with 429.
// Authenticated callers are keyed by identity, anonymous ones by client IP.
func RateLimit(l *CallerLimiter, m *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientIP(r)
			if c, ok := CallerFrom(r.Context()); ok {
				key = c.Method + ":" + c.ID
			}

			if m != nil {
				m.InboundRequests.Inc()
			}
			allowed, wait := l.Allow(key)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.burst))
			if !allowed {
				if m != nil {
					m.InboundRejected.Inc()
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP attempts to extract the remote IP address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
