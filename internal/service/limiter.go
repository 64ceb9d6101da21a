package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"discord-adapter/internal/repository"
)

// Limiter bounds the rate of outbound requests. Acquire blocks until a
// request may be sent. It only returns an error when ctx ends first or the
// budget backend fails.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// WaitObserver is told how long a caller was suspended waiting for budget.
type WaitObserver func(time.Duration)

// TokenBucket is an in-process token bucket. Tokens accrue continuously at
// refillPerSecond up to capacity; one token is spent per Acquire.
type TokenBucket struct {
	mu              sync.Mutex
	capacity        float64
	refillPerSecond float64
	tokens          float64
	lastRefill      time.Time

	now     func() time.Time
	observe WaitObserver
}

// NewTokenBucket constructs a full bucket holding burst tokens.
func NewTokenBucket(requestsPerSecond float64, burst int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		capacity:        float64(burst),
		refillPerSecond: requestsPerSecond,
		tokens:          float64(burst),
		lastRefill:      now,
		now:             time.Now,
	}
}

// OnWait registers an observer for suspended acquisitions.
func (b *TokenBucket) OnWait(fn WaitObserver) *TokenBucket {
	b.observe = fn
	return b
}

// refill must be called with mu held.
func (b *TokenBucket) refill() {
	now := b.now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.refillPerSecond)
	}
	b.lastRefill = now
}

// Acquire takes a token, suspending the caller outside the lock when the
// bucket is empty. A caller whose ctx ends while suspended consumes nothing.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	b.mu.Lock()
	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		b.mu.Unlock()
		return nil
	}
	wait := time.Duration((1 - b.tokens) / b.refillPerSecond * float64(time.Second))
	b.mu.Unlock()

	if err := sleep(ctx, wait); err != nil {
		return err
	}
	if b.observe != nil {
		b.observe(wait)
	}

	// Other waiters may have woken in the meantime; the token accrued during
	// our sleep is spent and the balance floored at zero. Concurrent waiters
	// can drift slightly above the nominal rate.
	b.mu.Lock()
	b.refill()
	b.tokens = max(0, b.tokens-1)
	b.mu.Unlock()
	return nil
}

// Available reports the current balance after refill.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// SharedBucket draws from a budget kept in a repository.Store so that every
// process using the same bot token shares one upstream allowance.
type SharedBucket struct {
	store    repository.Store
	key      string
	capacity int64
	rate     float64
	observe  WaitObserver
}

// NewSharedBucket constructs a SharedBucket over store under key.
func NewSharedBucket(store repository.Store, key string, requestsPerSecond float64, burst int) *SharedBucket {
	return &SharedBucket{store: store, key: "tb:" + key, capacity: int64(burst), rate: requestsPerSecond}
}

// OnWait registers an observer for suspended acquisitions.
func (s *SharedBucket) OnWait(fn WaitObserver) *SharedBucket {
	s.observe = fn
	return s
}

// Acquire polls the shared bucket, sleeping for the wait it reports.
func (s *SharedBucket) Acquire(ctx context.Context) error {
	var waited time.Duration
	for {
		allowed, wait, err := s.store.TokenBucket(ctx, s.key, s.capacity, s.rate, 1)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBudgetUnavailable, err)
		}
		if allowed {
			if waited > 0 && s.observe != nil {
				s.observe(waited)
			}
			return nil
		}
		if wait <= 0 {
			wait = time.Duration(float64(time.Second) / s.rate)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait
	}
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
