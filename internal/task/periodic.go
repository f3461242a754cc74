package task

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bonanza/internal/clock"
)

// DefaultSleepChunk bounds each wait so stop requests are seen promptly.
const DefaultSleepChunk = 500 * time.Millisecond

// Producer performs one production cycle.
type Producer interface {
	Produce(ctx context.Context) error
}

// Periodic runs a Producer on a schedule.
type Periodic struct {
	Schedule *Schedule
	Clock    clock.Clock
	Producer Producer
	// Once skips the first wait and returns after a single cycle.
	Once   bool
	Chunk  time.Duration
	Logger *zap.Logger
}

// Run implements Body.
func (p *Periodic) Run(ctx context.Context) error {
	first := true
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !(p.Once && first) {
			next := p.Schedule.Next(p.Clock.Now())
			if next.IsZero() {
				p.Logger.Info("schedule exhausted")
				return nil
			}
			p.Logger.Debug("sleeping until next trigger", zap.Time("next", next))
			if !p.sleepUntil(ctx, next) {
				return nil
			}
		}
		first = false

		if err := p.Producer.Produce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("produce: %w", err)
		}
		if p.Once {
			return nil
		}
	}
}

// sleepUntil waits in chunks until t and reports false if ctx ended first.
func (p *Periodic) sleepUntil(ctx context.Context, t time.Time) bool {
	chunk := p.Chunk
	if chunk <= 0 {
		chunk = DefaultSleepChunk
	}
	for {
		remaining := t.Sub(p.Clock.Now())
		if remaining <= 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-p.Clock.After(min(remaining, chunk)):
		}
	}
}
