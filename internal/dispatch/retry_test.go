package dispatch

import (
	"math/rand"
	"testing"
	"time"
)

func TestNextRetryDelayDoubles(t *testing.T) {
	t.Parallel()
	cfg := Config{
		RetryBase:     time.Minute,
		RetryMaxDelay: 30 * time.Minute,
		RetryJitter:   time.Second,
	}
	rng := rand.New(rand.NewSource(1))

	for retry, want := range map[int]time.Duration{
		0: time.Minute,
		1: 2 * time.Minute,
		2: 4 * time.Minute,
		3: 8 * time.Minute,
	} {
		got := nextRetryDelay(cfg, retry, 0, rng)
		if got < want || got >= want+cfg.RetryJitter {
			t.Fatalf("delay(retry=%d) = %v, want [%v, %v)", retry, got, want, want+cfg.RetryJitter)
		}
	}
}

func TestNextRetryDelayCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{
		RetryBase:     time.Minute,
		RetryMaxDelay: 5 * time.Minute,
		RetryJitter:   time.Second,
	}
	rng := rand.New(rand.NewSource(1))

	for retry := 3; retry < 40; retry++ {
		if got := nextRetryDelay(cfg, retry, 0, rng); got > cfg.RetryMaxDelay {
			t.Fatalf("delay(retry=%d) = %v exceeds cap %v", retry, got, cfg.RetryMaxDelay)
		}
	}
}

func TestNextRetryDelayHint(t *testing.T) {
	t.Parallel()
	cfg := Config{
		RetryBase:     time.Minute,
		RetryMaxDelay: 10 * time.Minute,
		RetryJitter:   time.Second,
	}
	rng := rand.New(rand.NewSource(1))

	// A hint longer than the computed backoff wins.
	got := nextRetryDelay(cfg, 0, 4*time.Minute, rng)
	if got < 4*time.Minute || got >= 4*time.Minute+cfg.RetryJitter {
		t.Fatalf("hinted delay = %v, want [4m, 4m+jitter)", got)
	}

	// A hint shorter than the computed backoff is ignored.
	got = nextRetryDelay(cfg, 2, 30*time.Second, rng)
	if got < 4*time.Minute {
		t.Fatalf("short hint shrank the delay to %v", got)
	}

	// The cap binds the hint too; a bad Retry-After header cannot park a
	// job beyond RetryMaxDelay.
	got = nextRetryDelay(cfg, 0, 2*time.Hour, rng)
	if got != cfg.RetryMaxDelay {
		t.Fatalf("oversized hint produced %v, want cap %v", got, cfg.RetryMaxDelay)
	}
}

func TestNextRetryDelayNoJitterConfig(t *testing.T) {
	t.Parallel()
	cfg := Config{
		RetryBase:     time.Minute,
		RetryMaxDelay: 10 * time.Minute,
	}
	rng := rand.New(rand.NewSource(1))
	if got := nextRetryDelay(cfg, 1, 0, rng); got != 2*time.Minute {
		t.Fatalf("delay = %v, want exactly 2m with jitter disabled", got)
	}
}
