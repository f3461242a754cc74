// Package ratelimit implements the token bucket shared by the workers of one task class.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/bonanza/internal/clock"
	"github.com/JakeFAU/bonanza/internal/telemetry"
)

// DefaultStep bounds how long Acquire sleeps between attempts.
const DefaultStep = 100 * time.Millisecond

// Config holds token bucket configuration.
type Config struct {
	// Name labels the delay metric.
	Name string
	// PerSecond is the refill rate. Zero with a positive capacity means no refill.
	PerSecond float64
	// Capacity is the bucket size. The bucket starts full.
	Capacity int
	// Step is the wait between attempts; DefaultStep when zero.
	Step time.Duration
}

// Bucket is a token bucket over rate.Limiter, which guards its token state with a single mutex.
// A nil Bucket never blocks.
type Bucket struct {
	name     string
	limiter  *rate.Limiter
	clock    clock.Clock
	capacity int
	step     time.Duration
}

// New builds a Bucket. Zero rate and zero capacity yield an unlimited bucket.
func New(cfg Config, clk clock.Clock) *Bucket {
	step := cfg.Step
	if step <= 0 {
		step = DefaultStep
	}
	limit := rate.Limit(cfg.PerSecond)
	burst := cfg.Capacity
	switch {
	case cfg.PerSecond <= 0 && cfg.Capacity <= 0:
		limit = rate.Inf
	case cfg.PerSecond <= 0:
		limit = 0
	case burst <= 0:
		burst = 1
	}
	return &Bucket{
		name:     cfg.Name,
		limiter:  rate.NewLimiter(limit, burst),
		clock:    clk,
		capacity: burst,
		step:     step,
	}
}

// TryAcquire takes n tokens if they are available right now.
func (b *Bucket) TryAcquire(n int) bool {
	if b == nil {
		return true
	}
	return b.limiter.AllowN(b.clock.Now(), n)
}

// Acquire takes n tokens, waiting in steps until they accrue or ctx is done.
func (b *Bucket) Acquire(ctx context.Context, n int) error {
	if b == nil {
		return nil
	}
	if b.limiter.Limit() != rate.Inf && n > b.capacity {
		return fmt.Errorf("acquire %d tokens: exceeds capacity %d", n, b.capacity)
	}
	start := b.clock.Now()
	for {
		if b.limiter.AllowN(b.clock.Now(), n) {
			if waited := b.clock.Now().Sub(start); waited > 0 {
				telemetry.ObserveRateLimitDelay(b.name, waited)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-b.clock.After(b.step):
		}
	}
}
