package publish

import (
	"testing"
	"time"
)

func post(accounts ...Account) *Post {
	return &Post{
		ID:       "post-1",
		Content:  Content{Body: "hello"},
		Accounts: accounts,
	}
}

func TestExpandPreservesSelectionOrder(t *testing.T) {
	t.Parallel()

	p := post(
		Account{ID: "c", Platform: PlatformDiscord},
		Account{ID: "a", Platform: PlatformTelegram},
		Account{ID: "b", Platform: PlatformMastodon},
	)
	ts := Expand(p)

	got := ts.Targets()
	if len(got) != 3 {
		t.Fatalf("len(Targets) = %d, want 3", len(got))
	}
	wantOrder := []string{"c", "a", "b"}
	for i, tg := range got {
		if tg.AccountID != wantOrder[i] {
			t.Fatalf("Targets[%d].AccountID = %q, want %q", i, tg.AccountID, wantOrder[i])
		}
		if tg.Status != TargetPending {
			t.Fatalf("Targets[%d].Status = %q, want pending", i, tg.Status)
		}
		if tg.PostID != "post-1" {
			t.Fatalf("Targets[%d].PostID = %q, want post-1", i, tg.PostID)
		}
		if tg.ID == "" {
			t.Fatalf("Targets[%d].ID is empty", i)
		}
	}
}

func TestExpandUnresolvedAccounts(t *testing.T) {
	t.Parallel()

	p := &Post{ID: "post-2", AccountIDs: []string{"gone-1", "gone-2"}}
	ts := Expand(p)

	got := ts.Targets()
	if len(got) != 2 {
		t.Fatalf("len(Targets) = %d, want 2", len(got))
	}
	for _, tg := range got {
		if tg.Platform != PlatformUnknown {
			t.Fatalf("Platform = %q, want unknown", tg.Platform)
		}
	}
}

func TestTerminalTargetsNeverRegress(t *testing.T) {
	t.Parallel()

	p := post(Account{ID: "a", Platform: PlatformTelegram})
	ts := Expand(p)
	id := ts.Targets()[0].ID

	if !ts.RecordSuccess(id, "remote-1", "https://t.me/x/1") {
		t.Fatalf("RecordSuccess = false on pending target")
	}
	if ts.RecordFailure(id, NewError(KindNetwork, "net", "boom")) {
		t.Fatalf("RecordFailure succeeded on a successful target")
	}
	if ts.RecordSkipped(id, "quota", 0) {
		t.Fatalf("RecordSkipped succeeded on a successful target")
	}
	if ts.RecordSuccess(id, "remote-2", "") {
		t.Fatalf("RecordSuccess repeated on terminal target")
	}

	tg := ts.Targets()[0]
	if tg.Status != TargetSuccess || tg.RemoteID != "remote-1" {
		t.Fatalf("target mutated after terminal: %+v", tg)
	}
}

func TestRecordFailureBumpsRetryCount(t *testing.T) {
	t.Parallel()

	p := post(Account{ID: "a", Platform: PlatformMastodon})
	ts := Expand(p)
	id := ts.Targets()[0].ID

	ts.RecordFailure(id, NewError(KindNetwork, "net", "first"))
	if n := ts.ResetForRetry(); n != 1 {
		t.Fatalf("ResetForRetry = %d, want 1", n)
	}
	ts.RecordFailure(id, NewError(KindNetwork, "net", "second"))

	tg := ts.Targets()[0]
	if tg.RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2", tg.RetryCount)
	}
	if tg.ErrorMessage != "second" {
		t.Fatalf("ErrorMessage = %q, want %q", tg.ErrorMessage, "second")
	}
}

func TestResetForRetryKeepsSuccess(t *testing.T) {
	t.Parallel()

	p := post(
		Account{ID: "a", Platform: PlatformTelegram},
		Account{ID: "b", Platform: PlatformMastodon},
		Account{ID: "c", Platform: PlatformDiscord},
	)
	ts := Expand(p)
	ids := func() []string {
		var out []string
		for _, tg := range ts.Targets() {
			out = append(out, tg.ID)
		}
		return out
	}()

	ts.RecordSuccess(ids[0], "r1", "")
	ts.RecordFailure(ids[1], NewError(KindPlatform, "http_500", "oops"))
	ts.RecordSkipped(ids[2], "quota exhausted", time.Minute)

	if n := ts.ResetForRetry(); n != 2 {
		t.Fatalf("ResetForRetry = %d, want 2", n)
	}
	got := ts.Targets()
	if got[0].Status != TargetSuccess {
		t.Fatalf("successful target regressed to %q", got[0].Status)
	}
	if got[1].Status != TargetPending || got[2].Status != TargetPending {
		t.Fatalf("reopened statuses = %q, %q, want pending", got[1].Status, got[2].Status)
	}
}

func TestDeriveStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		statuses []TargetStatus
		want     PostStatus
	}{
		{"all success", []TargetStatus{TargetSuccess, TargetSuccess}, PostPosted},
		{"single success", []TargetStatus{TargetSuccess}, PostPosted},
		{"mixed success and failed", []TargetStatus{TargetSuccess, TargetFailed}, PostPartial},
		{"mixed success and skipped", []TargetStatus{TargetSuccess, TargetSkipped}, PostPartial},
		{"all failed", []TargetStatus{TargetFailed, TargetFailed}, PostFailed},
		{"failed and skipped", []TargetStatus{TargetFailed, TargetSkipped}, PostFailed},
		{"all skipped", []TargetStatus{TargetSkipped}, PostFailed},
		{"pending remains posting", []TargetStatus{TargetSuccess, TargetPending}, PostPosting},
		{"in flight remains posting", []TargetStatus{TargetFailed, TargetPosting}, PostPosting},
		{"no targets", nil, PostFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			targets := make([]Target, 0, len(tt.statuses))
			for i, st := range tt.statuses {
				targets = append(targets, Target{ID: string(rune('a' + i)), Status: st})
			}
			if got := DeriveStatus(targets); got != tt.want {
				t.Fatalf("DeriveStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryableClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		prep func(ts *TargetSet, ids []string)
		want bool
	}{
		{
			"validation only",
			func(ts *TargetSet, ids []string) {
				ts.RecordFailure(ids[0], NewError(KindValidation, "too_long", "nope"))
			},
			false,
		},
		{
			"auth only",
			func(ts *TargetSet, ids []string) {
				ts.RecordFailure(ids[0], NewError(KindNotAuthenticated, "http_401", "nope"))
			},
			false,
		},
		{
			"network failure",
			func(ts *TargetSet, ids []string) {
				ts.RecordFailure(ids[0], NewError(KindNetwork, "timeout", "slow"))
			},
			true,
		},
		{
			"skip counts as retryable",
			func(ts *TargetSet, ids []string) {
				ts.RecordSkipped(ids[0], "quota", 0)
			},
			true,
		},
		{
			"validation plus network",
			func(ts *TargetSet, ids []string) {
				ts.RecordFailure(ids[0], NewError(KindValidation, "too_long", "nope"))
				ts.RecordFailure(ids[1], NewError(KindNetwork, "net", "flaky"))
			},
			true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := post(
				Account{ID: "a", Platform: PlatformTelegram},
				Account{ID: "b", Platform: PlatformMastodon},
			)
			ts := Expand(p)
			var ids []string
			for _, tg := range ts.Targets() {
				ids = append(ids, tg.ID)
			}
			tt.prep(ts, ids)
			if got := ts.Retryable(); got != tt.want {
				t.Fatalf("Retryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	t.Parallel()

	p := post(
		Account{ID: "a", Platform: PlatformTelegram},
		Account{ID: "b", Platform: PlatformMastodon},
	)
	ts := Expand(p)
	ids := ts.Targets()

	ts.RecordFailure(ids[0].ID, NewError(KindRateLimited, "flood", "slow down").WithRetryAfter(90*time.Second))
	ts.RecordSkipped(ids[1].ID, "quota", 30*time.Second)

	if got := ts.RetryAfterHint(); got != 90*time.Second {
		t.Fatalf("RetryAfterHint = %v, want %v", got, 90*time.Second)
	}
}
