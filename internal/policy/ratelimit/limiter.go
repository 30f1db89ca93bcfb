// Package ratelimit throttles claims with one token bucket per queue kind.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawlqueue/internal/metrics"
	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// Limiter manages per-kind claim rates.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[queue.Kind]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. A non-positive RPS disables
// throttling.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[queue.Kind]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a claim token is available for kind, respecting the context.
func (l *Limiter) Wait(ctx context.Context, kind queue.Kind) error {
	l.mu.Lock()
	limiter, exists := l.limiters[kind]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[kind] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveClaimThrottle(string(kind), d)
	}
	return nil
}
