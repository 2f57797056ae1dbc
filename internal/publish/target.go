package publish

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TargetStatus is the per-platform delivery state.
type TargetStatus string

const (
	TargetPending TargetStatus = "pending"
	TargetPosting TargetStatus = "posting"
	TargetSuccess TargetStatus = "success"
	TargetFailed  TargetStatus = "failed"

	// TargetSkipped means the attempt was pre-empted (advisory rate limit
	// said the platform quota is exhausted). Skipped is not a failure but
	// counts against an all-success rollup.
	TargetSkipped TargetStatus = "skipped"
)

// Terminal reports whether the status is final for the current attempt.
// Failed and skipped targets may be reopened by ResetForRetry; success never
// regresses.
func (s TargetStatus) Terminal() bool {
	return s == TargetSuccess || s == TargetFailed || s == TargetSkipped
}

// Target is one (post, account) delivery attempt record.
type Target struct {
	ID          string       `json:"id"`
	PostID      string       `json:"post_id"`
	AccountID   string       `json:"account_id"`
	AccountName string       `json:"account_name,omitempty"`
	Platform    PlatformKind `json:"platform"`
	Status      TargetStatus `json:"status"`

	RemoteID  string `json:"remote_id,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`

	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// RetryAfter is a transient reset hint from the platform (rate limits)
	// or the advisory tracker (skips). Not persisted.
	RetryAfter time.Duration `json:"-"`

	RetryCount int       `json:"retry_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TargetSet is the fan-out registry for one post: every selected account's
// target plus its live status. All methods are safe for concurrent use; the
// dispatcher records results from one goroutine per target.
type TargetSet struct {
	mu     sync.Mutex
	postID string
	order  []string
	byID   map[string]*Target
}

// Expand builds one pending target per selected account, preserving the
// user's selection order exactly. Accounts the resolver could not find are
// expanded too (PlatformUnknown) so the outcome is visible per target rather
// than failing the whole post.
func Expand(post *Post) *TargetSet {
	ts := &TargetSet{
		postID: post.ID,
		byID:   make(map[string]*Target),
	}
	now := time.Now()
	add := func(acc Account) {
		t := &Target{
			ID:          uuid.NewString(),
			PostID:      post.ID,
			AccountID:   acc.ID,
			AccountName: acc.Name,
			Platform:    acc.Platform,
			Status:      TargetPending,
			UpdatedAt:   now,
		}
		ts.order = append(ts.order, t.ID)
		ts.byID[t.ID] = t
	}
	if len(post.Accounts) > 0 {
		for _, acc := range post.Accounts {
			add(acc)
		}
		return ts
	}
	for _, id := range post.AccountIDs {
		add(Account{ID: id, Platform: PlatformUnknown})
	}
	return ts
}

func (ts *TargetSet) PostID() string { return ts.postID }

// Len returns the number of targets in the set.
func (ts *TargetSet) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.order)
}

// Targets returns copies in selection order.
func (ts *TargetSet) Targets() []Target {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]Target, 0, len(ts.order))
	for _, id := range ts.order {
		if t := ts.byID[id]; t != nil {
			out = append(out, *t)
		}
	}
	return out
}

// Open returns copies of the targets still awaiting an attempt.
func (ts *TargetSet) Open() []Target {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]Target, 0, len(ts.order))
	for _, id := range ts.order {
		if t := ts.byID[id]; t != nil && !t.Status.Terminal() {
			out = append(out, *t)
		}
	}
	return out
}

// RecordPosting marks a pending target as in flight.
func (ts *TargetSet) RecordPosting(id string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := ts.byID[id]
	if t == nil || t.Status.Terminal() {
		return false
	}
	t.Status = TargetPosting
	t.UpdatedAt = time.Now()
	return true
}

// RecordSuccess finalizes a target with the platform's identifiers.
// No-op (false) when the target is unknown or already terminal.
func (ts *TargetSet) RecordSuccess(id, remoteID, remoteURL string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := ts.byID[id]
	if t == nil || t.Status.Terminal() {
		return false
	}
	t.Status = TargetSuccess
	t.RemoteID = remoteID
	t.RemoteURL = remoteURL
	t.ErrorKind = ""
	t.ErrorCode = ""
	t.ErrorMessage = ""
	t.RetryAfter = 0
	t.UpdatedAt = time.Now()
	return true
}

// RecordFailure finalizes a target with a classified error and bumps its
// retry count. No-op (false) when the target is unknown or already terminal.
func (ts *TargetSet) RecordFailure(id string, perr *Error) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := ts.byID[id]
	if t == nil || t.Status.Terminal() {
		return false
	}
	if perr == nil {
		perr = NewError(KindUnknown, "", "unspecified failure")
	}
	t.Status = TargetFailed
	t.ErrorKind = perr.Kind
	t.ErrorCode = perr.Code
	t.ErrorMessage = perr.Message
	t.RetryAfter = perr.RetryAfter
	t.RetryCount++
	t.UpdatedAt = time.Now()
	return true
}

// RecordSkipped marks a target as pre-empted before any send happened.
// retryAfter carries the tracker's wait estimate (0 when unknown).
func (ts *TargetSet) RecordSkipped(id, reason string, retryAfter time.Duration) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := ts.byID[id]
	if t == nil || t.Status.Terminal() {
		return false
	}
	t.Status = TargetSkipped
	t.ErrorKind = KindRateLimited
	t.ErrorCode = "rate_limit_skip"
	t.ErrorMessage = reason
	t.RetryAfter = retryAfter
	t.UpdatedAt = time.Now()
	return true
}

// ResetForRetry reopens failed and skipped targets for the next attempt and
// returns how many were reopened. Success never regresses.
func (ts *TargetSet) ResetForRetry() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := 0
	now := time.Now()
	for _, t := range ts.byID {
		if t.Status == TargetFailed || t.Status == TargetSkipped {
			t.Status = TargetPending
			t.RetryAfter = 0
			t.UpdatedAt = now
			n++
		}
	}
	return n
}

// Counts returns the terminal/outstanding tallies for logging.
func (ts *TargetSet) Counts() (success, failed, skipped, open int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, t := range ts.byID {
		switch t.Status {
		case TargetSuccess:
			success++
		case TargetFailed:
			failed++
		case TargetSkipped:
			skipped++
		default:
			open++
		}
	}
	return
}

// Derive rolls the set up into a post status.
func (ts *TargetSet) Derive() PostStatus {
	return DeriveStatus(ts.Targets())
}

// Retryable reports whether a fully-failed attempt is worth retrying:
// any skipped target (quota pre-emption) or any failed target whose kind
// is retryable. Pure validation/auth failures never retry.
func (ts *TargetSet) Retryable() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, t := range ts.byID {
		switch t.Status {
		case TargetSkipped:
			return true
		case TargetFailed:
			if t.ErrorKind.Retryable() {
				return true
			}
		}
	}
	return false
}

// RetryAfterHint returns the largest platform reset hint among failed and
// skipped targets, 0 when none reported one.
func (ts *TargetSet) RetryAfterHint() time.Duration {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var hint time.Duration
	for _, t := range ts.byID {
		if t.Status != TargetFailed && t.Status != TargetSkipped {
			continue
		}
		if t.RetryAfter > hint {
			hint = t.RetryAfter
		}
	}
	return hint
}

// DeriveStatus rolls per-target outcomes into a post status:
//
//	posting  while any target is still pending or in flight
//	posted   when every target succeeded
//	partial  when at least one succeeded and at least one did not
//	failed   when none succeeded (including the zero-target case)
func DeriveStatus(targets []Target) PostStatus {
	success, other := 0, 0
	for _, t := range targets {
		switch t.Status {
		case TargetSuccess:
			success++
		case TargetFailed, TargetSkipped:
			other++
		default:
			return PostPosting
		}
	}
	switch {
	case success > 0 && other == 0:
		return PostPosted
	case success > 0:
		return PostPartial
	default:
		return PostFailed
	}
}
