package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket whose limits can be adjusted while in use,
// for example from a vendor's rate-limit response headers.
type RateLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter allowing rps requests per second with
// bursts of up to burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a request may proceed or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits replaces the rate and burst.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if burst < 1 {
		burst = 1
	}
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}

// KeyedRateLimiter hands out one RateLimiter per key, so each vendor
// installation or tenant is throttled independently.
type KeyedRateLimiter struct {
	rps   float64
	burst int

	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

// NewKeyedRateLimiter creates limiters lazily with the given rate and burst.
func NewKeyedRateLimiter(rps float64, burst int) *KeyedRateLimiter {
	return &KeyedRateLimiter{rps: rps, burst: burst, limiters: make(map[string]*RateLimiter)}
}

// For returns the limiter for key.
func (k *KeyedRateLimiter) For(key string) *RateLimiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.limiters[key]
	if !ok {
		l = NewRateLimiter(k.rps, k.burst)
		k.limiters[key] = l
	}
	return l
}

// Wait blocks on the limiter for key.
func (k *KeyedRateLimiter) Wait(ctx context.Context, key string) error {
	return k.For(key).Wait(ctx)
}
