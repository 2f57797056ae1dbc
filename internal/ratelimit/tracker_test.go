package ratelimit

import (
	"testing"
	"time"

	"crosspost/internal/publish"
)

func TestCanProceed(t *testing.T) {
	t.Parallel()

	future := time.Now().Add(time.Minute)
	past := time.Now().Add(-time.Minute)

	tests := []struct {
		name string
		info *Info
		want bool
	}{
		{"no record", nil, true},
		{"budget left", &Info{Remaining: 5, ResetAt: future}, true},
		{"exhausted", &Info{Remaining: 0, ResetAt: future}, false},
		{"expired window", &Info{Remaining: 0, ResetAt: past}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := NewTracker()
			if tt.info != nil {
				tr.Update(publish.PlatformMastodon, *tt.info)
			}
			if got := tr.CanProceed(publish.PlatformMastodon); got != tt.want {
				t.Fatalf("CanProceed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWait(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	if got := tr.Wait(publish.PlatformTelegram); got != 0 {
		t.Fatalf("Wait with no record = %v, want 0", got)
	}

	resetAt := time.Now().Add(30 * time.Second)
	tr.Update(publish.PlatformTelegram, Info{Remaining: 0, ResetAt: resetAt})

	got := tr.Wait(publish.PlatformTelegram)
	if got <= 25*time.Second || got > 30*time.Second {
		t.Fatalf("Wait = %v, want ~30s", got)
	}

	tr.Update(publish.PlatformTelegram, Info{Remaining: 3, ResetAt: resetAt})
	if got := tr.Wait(publish.PlatformTelegram); got != 0 {
		t.Fatalf("Wait with budget = %v, want 0", got)
	}
}

func TestLastWriterWins(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	future := time.Now().Add(time.Minute)

	tr.Update(publish.PlatformDiscord, Info{Remaining: 0, ResetAt: future})
	if tr.CanProceed(publish.PlatformDiscord) {
		t.Fatalf("CanProceed = true after exhausted update")
	}
	tr.Update(publish.PlatformDiscord, Info{Remaining: 2, ResetAt: future})
	if !tr.CanProceed(publish.PlatformDiscord) {
		t.Fatalf("CanProceed = false after refreshed budget")
	}
}

func TestExpiredRecordDroppedOnRead(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Update(publish.PlatformMastodon, Info{Remaining: 0, ResetAt: time.Now().Add(-time.Second)})

	if !tr.CanProceed(publish.PlatformMastodon) {
		t.Fatalf("CanProceed = false for expired record")
	}
	if snap := tr.Snapshot(); len(snap) != 0 {
		t.Fatalf("Snapshot still holds %d records after expiry", len(snap))
	}
}

func TestUpdateIgnoresUnusableObservations(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Update(publish.PlatformTelegram, Info{Remaining: 0}) // no reset time
	tr.Update("", Info{Remaining: 0, ResetAt: time.Now().Add(time.Minute)})

	if !tr.CanProceed(publish.PlatformTelegram) {
		t.Fatalf("unusable observation changed tracker state")
	}
	if len(tr.Snapshot()) != 0 {
		t.Fatalf("unusable observations were stored")
	}
}
