package dispatch

import (
	"math/rand"
	"time"
)

// nextRetryDelay computes the wait before retry attempt retry (0-based):
// base doubled per prior attempt plus uniform jitter, never above
// RetryMaxDelay. A platform hint (Retry-After, quota reset) replaces a
// shorter computed delay; the cap still binds, so one bad header can't
// park a job for hours.
func nextRetryDelay(cfg Config, retry int, hint time.Duration, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if hint > d {
		d = hint
	}
	if cfg.RetryJitter > 0 {
		d += time.Duration(rng.Int63n(int64(cfg.RetryJitter)))
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
