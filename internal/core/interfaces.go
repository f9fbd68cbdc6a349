package core

import (
	"context"
	"time"
)

// HealthProbe checks one dependency the API needs (database, Redis, queue).
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// RateLimitStore counts requests per key within a window.
type RateLimitStore interface {
	// IncrementAndCheck atomically increments the counter for key and reports
	// whether the request is within limit.
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimitResult contains the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}
