package repository

import (
	"context"
	"sync"
	"time"
)

type memBucket struct {
	tokens float64
	last   time.Time
}

type memoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	now     func() time.Time
}

// NewMemoryStore returns an in-memory Store for local development/testing.
func NewMemoryStore() Store {
	return &memoryStore{
		buckets: make(map[string]*memBucket),
		now:     time.Now,
	}
}

func (m *memoryStore) TokenBucket(ctx context.Context, key string, capacity int64, refillRate float64, tokens int64) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &memBucket{tokens: float64(capacity), last: now}
		m.buckets[key] = b
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = min(float64(capacity), b.tokens+elapsed*refillRate)
		b.last = now
	}
	want := float64(tokens)
	if b.tokens >= want {
		b.tokens -= want
		return true, 0, nil
	}
	wait := time.Duration((want - b.tokens) / refillRate * float64(time.Second))
	return false, wait, nil
}
