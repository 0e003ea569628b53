package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
)

// TokenBucket is a per-key token bucket. Tokens are consumed on Acquire and
// come back through refill only; the release func is a no-op so a finished
// request does not hand its slot straight back.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int
	refillRate time.Duration // one token per interval
	now        func() time.Time
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = time.Second
	}
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// Acquire takes a token for key or fails with a *RateLimitError that matches
// ErrRateLimitExceeded.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	b := tb.refill(key)
	if b.tokens <= 0 {
		wait := tb.refillRate - tb.now().Sub(b.lastRefill)
		return nil, &RateLimitError{Key: key, RetryAfter: wait}
	}
	b.tokens--
	return func() {}, nil
}

// Remaining reports the tokens currently available to key.
func (tb *TokenBucket) Remaining(key string) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.refill(key).tokens
}

func (tb *TokenBucket) refill(key string) *bucket {
	now := tb.now()
	b, exists := tb.buckets[key]
	if !exists {
		b = &bucket{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = b
		return b
	}

	add := int(now.Sub(b.lastRefill) / tb.refillRate)
	if add > 0 {
		b.tokens = min(b.tokens+add, tb.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(add) * tb.refillRate)
	}
	return b
}

// ErrRateLimitExceeded matches every *RateLimitError via errors.Is.
var ErrRateLimitExceeded = &RateLimitError{}

type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Key == "" {
		return "rate limit exceeded"
	}
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitError) Is(target error) bool {
	_, ok := target.(*RateLimitError)
	return ok
}

var _ ports.RateLimiter = (*TokenBucket)(nil)
