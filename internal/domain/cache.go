package domain

import (
	"context"
	"time"
)

// RateDecision is the outcome of one rate limit check.
type RateDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest counted request leaves the window.
	ResetAt time.Time
}

// RateLimiter is a distributed sliding-window limiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)
}

// Lease is a held distributed lock.
type Lease struct {
	Key       string
	Token     string
	Holder    string
	ExpiresAt time.Time
}

// AcquireOptions tunes Acquire. Zero Retries means a single attempt.
type AcquireOptions struct {
	Holder     string
	Retries    int
	RetryDelay time.Duration
}

// LockManager provides token-guarded distributed locks.
type LockManager interface {
	// Acquire returns ErrLockContention once retries are exhausted.
	Acquire(ctx context.Context, key string, ttl time.Duration, opts AcquireOptions) (Lease, error)
	// Release and Refresh report false for a stale or foreign token.
	Release(ctx context.Context, lease Lease) (bool, error)
	Refresh(ctx context.Context, lease Lease, ttl time.Duration) (bool, error)
	// Holder returns the holder recorded with the lock, "" when free.
	Holder(ctx context.Context, key string) (string, error)
}

// EventPublisher fans committed market events out to external consumers.
type EventPublisher interface {
	Publish(ctx context.Context, events []MarketEvent) error
}
