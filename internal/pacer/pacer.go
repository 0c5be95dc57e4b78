// Package pacer spaces out successive calls to third-party APIs whose rate
// limits are unknown. It is a cooperative throttle: callers wait before each
// request instead of reacting to rejections.
package pacer

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer lets one call through per interval.
type Pacer struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// New returns a Pacer with the given minimum spacing between calls.
// A non-positive interval disables pacing.
func New(interval time.Duration) *Pacer {
	if interval <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(interval), 1), interval: interval}
}

// Interval returns the configured spacing.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Wait blocks until the next call may proceed or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}
	return p.limiter.Wait(ctx)
}
