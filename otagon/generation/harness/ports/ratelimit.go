package harnessports

import "context"

// RateLimiter throttles requests per key (usually a user id).
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
