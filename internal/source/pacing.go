package source

import (
	"context"
	"math/rand/v2"
	"time"
)

// Pacer spaces consecutive requests made by one adapter invocation.
type Pacer struct {
	Base   time.Duration
	Jitter time.Duration
	// Rand returns a value in [0, n). Defaults to math/rand/v2.
	Rand func(n int64) int64
}

// Delay returns Base plus a random share of Jitter.
func (p Pacer) Delay() time.Duration {
	d := p.Base
	if p.Jitter > 0 {
		rnd := p.Rand
		if rnd == nil {
			rnd = rand.Int64N
		}
		d += time.Duration(rnd(int64(p.Jitter)))
	}
	return d
}

// Pause blocks for Delay or until ctx is done.
func (p Pacer) Pause(ctx context.Context) error {
	d := p.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
