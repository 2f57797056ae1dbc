// Package ratelimit tracks platform quota observations so the dispatcher can
// skip sends that would burn an attempt against an exhausted window.
//
// The tracker is advisory only: adapters still own real 429 handling, and a
// stale record never blocks forever (records expire at their reset time).
package ratelimit

import (
	"sync"
	"time"

	"crosspost/internal/publish"
)

// Info is one quota observation, parsed from response headers or a
// rate-limit error payload.
type Info struct {
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

func (i Info) expired(now time.Time) bool {
	return i.ResetAt.IsZero() || !now.Before(i.ResetAt)
}

// Tracker caches the latest observation per platform. Last writer wins;
// platforms without a record are always proceedable.
type Tracker struct {
	mu         sync.Mutex
	byPlatform map[publish.PlatformKind]Info
}

func NewTracker() *Tracker {
	return &Tracker{byPlatform: make(map[publish.PlatformKind]Info)}
}

// Update overwrites the platform's record. Observations without a usable
// reset time are ignored (nothing to expire against).
func (t *Tracker) Update(platform publish.PlatformKind, info Info) {
	if platform == "" || info.ResetAt.IsZero() {
		return
	}
	t.mu.Lock()
	t.byPlatform[platform] = info
	t.mu.Unlock()
}

// CanProceed reports whether a send on the platform should be attempted now.
// True when there is no record, the record expired (and is dropped), or the
// window still has budget.
func (t *Tracker) CanProceed(platform publish.PlatformKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byPlatform[platform]
	if !ok {
		return true
	}
	if info.expired(time.Now()) {
		delete(t.byPlatform, platform)
		return true
	}
	return info.Remaining > 0
}

// Wait returns how long until the platform becomes proceedable, 0 when it
// already is.
func (t *Tracker) Wait(platform publish.PlatformKind) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byPlatform[platform]
	if !ok {
		return 0
	}
	now := time.Now()
	if info.expired(now) {
		delete(t.byPlatform, platform)
		return 0
	}
	if info.Remaining > 0 {
		return 0
	}
	return info.ResetAt.Sub(now)
}

// Snapshot returns a copy of the live records for diagnostics.
func (t *Tracker) Snapshot() map[publish.PlatformKind]Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[publish.PlatformKind]Info, len(t.byPlatform))
	now := time.Now()
	for k, v := range t.byPlatform {
		if v.expired(now) {
			continue
		}
		out[k] = v
	}
	return out
}
