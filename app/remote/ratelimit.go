package remote

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter spaces outbound calls to at most a configured number per
// second. The first call never waits.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter for requestsPerSecond; a non-positive
// value disables pacing.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, 1)}
}

// Pace blocks until the next call is allowed or ctx is done.
func (l *RateLimiter) Pace(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
