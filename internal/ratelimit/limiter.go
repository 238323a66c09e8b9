package ratelimit

import "context"

// RateLimiter throttles calls against a shared quota, keyed by resource.
// The engine uses one key per AI surface ("parser", "embedding") so that
// all workers draw from the same per-second budget.
type RateLimiter interface {
	Allow(ctx context.Context, resource string) (bool, error)
	Wait(ctx context.Context, resource string) error
}
