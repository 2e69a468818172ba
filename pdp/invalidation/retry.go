package invalidation

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// backoff returns the wait before retry number failures: base * 2^failures,
// capped at max, with +/-25% jitter and never below base.
func backoff(base, max time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return base
	}
	interval := time.Duration(float64(base) * math.Pow(2, float64(failures)))
	if interval > max || interval <= 0 {
		interval = max
	}
	jitter := time.Duration(float64(interval) * 0.25 * (rand.Float64()*2 - 1))
	interval += jitter
	if interval < base {
		interval = base
	}
	return interval
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
