package repository

import (
	"context"
	"time"
)

// Store holds rate budgets that may be shared between adapter processes using
// the same bot token. Implementations must be concurrency-safe, and the Redis
// implementation must be atomic across processes.
type Store interface {
	// TokenBucket attempts to take `tokens` from the bucket identified by key.
	// When denied it returns the time until enough tokens will have accrued.
	TokenBucket(ctx context.Context, key string, capacity int64, refillRate float64, tokens int64) (bool, time.Duration, error)
}
