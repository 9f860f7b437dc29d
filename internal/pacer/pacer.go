// Package pacer enforces a minimum delay between successive outbound
// actions of the same class (e.g. remote sends).
package pacer

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces actions at least Interval apart. The first call passes
// immediately; each subsequent call blocks until the interval since the
// previous grant has elapsed.
//
// Wait blocks the calling job, never the enqueueing caller, and returns
// early with the context error on cancellation.
type Pacer struct {
	limiter *rate.Limiter
}

func New(interval time.Duration) *Pacer {
	if interval <= 0 {
		// Effectively unpaced.
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Interval reports the configured spacing (0 when unpaced).
func (p *Pacer) Interval() time.Duration {
	lim := p.limiter.Limit()
	if lim == rate.Inf || lim <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(lim))
}
