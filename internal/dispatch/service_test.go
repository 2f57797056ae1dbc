package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"crosspost/internal/platform"
	"crosspost/internal/publish"
	"crosspost/internal/ratelimit"
	logx "crosspost/pkg/logx"
)

type fakeAdapter struct {
	kind publish.PlatformKind

	mu    sync.Mutex
	calls int
	fn    func(call int, acct publish.Account, content publish.Content) (*platform.Result, error)
}

func (f *fakeAdapter) Kind() publish.PlatformKind { return f.kind }

func (f *fakeAdapter) Validate(publish.Account, publish.Content) error { return nil }

func (f *fakeAdapter) Publish(_ context.Context, acct publish.Account, content publish.Content) (*platform.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(n, acct, content)
	}
	return &platform.Result{RemoteID: fmt.Sprintf("remote-%d", n)}, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeResolver struct {
	mu    sync.Mutex
	posts map[string]*publish.Post
}

func (r *fakeResolver) ResolvePost(_ context.Context, id string) (*publish.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return nil, publish.NewError(publish.KindPostNotFound, "post_not_found", "no such post")
	}
	cp := *p
	return &cp, nil
}

type fakeSink struct {
	mu       sync.Mutex
	statuses []publish.PostStatus
	postedAt time.Time
	results  [][]publish.Target
}

func (s *fakeSink) UpdatePostStatus(_ context.Context, _ string, status publish.PostStatus, postedAt time.Time) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	if !postedAt.IsZero() {
		s.postedAt = postedAt
	}
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) RecordTargetResults(_ context.Context, _ string, targets []publish.Target) error {
	cp := make([]publish.Target, len(targets))
	copy(cp, targets)
	s.mu.Lock()
	s.results = append(s.results, cp)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) lastStatus() publish.PostStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return ""
	}
	return s.statuses[len(s.statuses)-1]
}

func (s *fakeSink) lastResults() []publish.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return nil
	}
	return s.results[len(s.results)-1]
}

func (s *fakeSink) firstResults() []publish.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return nil
	}
	return s.results[0]
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       2,
		QueueSize:     16,
		TickInterval:  20 * time.Millisecond,
		SendTimeout:   time.Second,
		RetryMax:      2,
		RetryBase:     10 * time.Millisecond,
		RetryMaxDelay: 50 * time.Millisecond,
		RetryJitter:   time.Millisecond,
		HistorySize:   10,
	}
}

func testPost(id string, accounts ...publish.Account) *publish.Post {
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	return &publish.Post{
		ID:         id,
		Content:    publish.Content{Body: "hello world"},
		AccountIDs: ids,
		Accounts:   accounts,
		Status:     publish.PostScheduled,
	}
}

func tgAccount(id string) publish.Account {
	return publish.Account{ID: id, Platform: publish.PlatformTelegram, Name: id, Credentials: map[string]string{"token": "t", "chat_id": "1"}}
}

func mastoAccount(id string) publish.Account {
	return publish.Account{ID: id, Platform: publish.PlatformMastodon, Name: id, Credentials: map[string]string{"server": "https://m.example", "access_token": "x"}}
}

func newTestService(t *testing.T, cfg Config, deps Deps) *Service {
	t.Helper()
	if deps.Adapters == nil {
		deps.Adapters = platform.NewRegistry()
	}
	svc := New(cfg, deps, logx.Nop(), nil)
	svc.Start(context.Background())
	t.Cleanup(func() { svc.Stop(context.Background()) })
	return svc
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, testConfig(), Deps{Resolver: &fakeResolver{}, Sink: &fakeSink{}})
	if _, err := svc.Schedule("", time.Now()); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("Schedule(\"\") error = %v, want ErrInvalidSchedule", err)
	}
	if _, err := svc.Schedule("p1", time.Time{}); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("Schedule(zero time) error = %v, want ErrInvalidSchedule", err)
	}

	stopped := New(testConfig(), Deps{Resolver: &fakeResolver{}, Sink: &fakeSink{}, Adapters: platform.NewRegistry()}, logx.Nop(), nil)
	if _, err := stopped.Schedule("p1", time.Now()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Schedule on stopped engine error = %v, want ErrStopped", err)
	}

	cfg := testConfig()
	cfg.Enabled = false
	disabled := New(cfg, Deps{Resolver: &fakeResolver{}, Sink: &fakeSink{}, Adapters: platform.NewRegistry()}, logx.Nop(), nil)
	disabled.Start(context.Background())
	if _, err := disabled.Schedule("p1", time.Now()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Schedule on disabled engine error = %v, want ErrDisabled", err)
	}
}

func TestDispatchFansOutToAllTargets(t *testing.T) {
	t.Parallel()

	tg := &fakeAdapter{kind: publish.PlatformTelegram}
	masto := &fakeAdapter{kind: publish.PlatformMastodon}
	res := &fakeResolver{posts: map[string]*publish.Post{
		"p1": testPost("p1", tgAccount("a1"), mastoAccount("a2")),
	}}
	sink := &fakeSink{}

	svc := newTestService(t, testConfig(), Deps{
		Resolver: res,
		Sink:     sink,
		Adapters: platform.NewRegistry(tg, masto),
	})

	j, err := svc.Schedule("p1", time.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, 2*time.Second, "post to reach posted", func() bool {
		return sink.lastStatus() == publish.PostPosted
	})

	got, ok := svc.Job(j.ID)
	if !ok || got.Status != JobCompleted {
		t.Fatalf("job = %+v, want completed", got)
	}
	if tg.callCount() != 1 || masto.callCount() != 1 {
		t.Fatalf("adapter calls = %d/%d, want 1/1", tg.callCount(), masto.callCount())
	}

	sink.mu.Lock()
	postedAt := sink.postedAt
	sink.mu.Unlock()
	if postedAt.IsZero() {
		t.Fatal("posted status carried no timestamp")
	}

	targets := sink.lastResults()
	if len(targets) != 2 {
		t.Fatalf("recorded %d targets, want 2", len(targets))
	}
	for _, tgt := range targets {
		if tgt.Status != publish.TargetSuccess || tgt.RemoteID == "" {
			t.Fatalf("target %+v, want success with remote id", tgt)
		}
	}
	if targets[0].AccountID != "a1" || targets[1].AccountID != "a2" {
		t.Fatalf("targets out of selection order: %s, %s", targets[0].AccountID, targets[1].AccountID)
	}
}

func TestPartialOutcomeIsTerminal(t *testing.T) {
	t.Parallel()

	tg := &fakeAdapter{kind: publish.PlatformTelegram}
	masto := &fakeAdapter{kind: publish.PlatformMastodon, fn: func(int, publish.Account, publish.Content) (*platform.Result, error) {
		return nil, publish.NewError(publish.KindNetwork, "conn_reset", "connection reset")
	}}
	res := &fakeResolver{posts: map[string]*publish.Post{
		"p1": testPost("p1", tgAccount("a1"), mastoAccount("a2")),
	}}
	sink := &fakeSink{}

	svc := newTestService(t, testConfig(), Deps{
		Resolver: res,
		Sink:     sink,
		Adapters: platform.NewRegistry(tg, masto),
	})

	j, err := svc.Schedule("p1", time.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, 2*time.Second, "post to reach partial", func() bool {
		return sink.lastStatus() == publish.PostPartial
	})

	// Partial is terminal even though the failure kind is retryable;
	// retrying would double-post to telegram.
	got, _ := svc.Job(j.ID)
	if got.Status != JobCompleted || got.RetryCount != 0 {
		t.Fatalf("job = %+v, want completed without retries", got)
	}
	if masto.callCount() != 1 {
		t.Fatalf("failed platform called %d times, want 1", masto.callCount())
	}
}

func TestRetryableFailureReschedulesThenSucceeds(t *testing.T) {
	t.Parallel()

	tg := &fakeAdapter{kind: publish.PlatformTelegram}
	tg.fn = func(call int, _ publish.Account, _ publish.Content) (*platform.Result, error) {
		if call == 1 {
			return nil, publish.NewError(publish.KindNetwork, "timeout", "i/o timeout")
		}
		return &platform.Result{RemoteID: "msg-2"}, nil
	}
	res := &fakeResolver{posts: map[string]*publish.Post{
		"p1": testPost("p1", tgAccount("a1")),
	}}
	sink := &fakeSink{}

	svc := newTestService(t, testConfig(), Deps{
		Resolver: res,
		Sink:     sink,
		Adapters: platform.NewRegistry(tg),
	})

	j, err := svc.Schedule("p1", time.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, 3*time.Second, "post to reach posted after retry", func() bool {
		return sink.lastStatus() == publish.PostPosted
	})

	got, _ := svc.Job(j.ID)
	if got.Status != JobCompleted || got.RetryCount != 1 {
		t.Fatalf("job = %+v, want completed with 1 retry", got)
	}
	if tg.callCount() != 2 {
		t.Fatalf("adapter called %d times, want 2", tg.callCount())
	}

	first := sink.firstResults()
	if len(first) != 1 || first[0].Status != publish.TargetFailed || first[0].ErrorKind != publish.KindNetwork {
		t.Fatalf("first attempt record = %+v, want a network failure", first)
	}
	last := sink.lastResults()
	if len(last) != 1 || last[0].Status != publish.TargetSuccess || last[0].RetryCount != 1 {
		t.Fatalf("final record = %+v, want success with retry count 1", last)
	}
}

func TestNonRetryableFailureFailsFast(t *testing.T) {
	t.Parallel()

	tg := &fakeAdapter{kind: publish.PlatformTelegram, fn: func(int, publish.Account, publish.Content) (*platform.Result, error) {
		return nil, publish.NewError(publish.KindValidation, "too_long", "message exceeds platform limit")
	}}
	res := &fakeResolver{posts: map[string]*publish.Post{
		"p1": testPost("p1", tgAccount("a1")),
	}}
	sink := &fakeSink{}

	svc := newTestService(t, testConfig(), Deps{
		Resolver: res,
		Sink:     sink,
		Adapters: platform.NewRegistry(tg),
	})

	j, err := svc.Schedule("p1", time.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, 2*time.Second, "post to reach failed", func() bool {
		return sink.lastStatus() == publish.PostFailed
	})

	got, _ := svc.Job(j.ID)
	if got.Status != JobFailed || got.RetryCount != 0 {
		t.Fatalf("job = %+v, want failed without retries", got)
	}
	if !strings.Contains(got.LastError, "message exceeds platform limit") {
		t.Fatalf("LastError = %q", got.LastError)
	}
	if tg.callCount() != 1 {
		t.Fatalf("adapter called %d times, want 1", tg.callCount())
	}
}

func TestMissingPostFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	svc := newTestService(t, testConfig(), Deps{
		Resolver: &fakeResolver{},
		Sink:     sink,
	})

	j, err := svc.Schedule("ghost", time.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, 2*time.Second, "job to fail", func() bool {
		got, ok := svc.Job(j.ID)
		return ok && got.Status == JobFailed
	})

	got, _ := svc.Job(j.ID)
	if got.RetryCount != 0 {
		t.Fatalf("RetryCount = %d, want 0", got.RetryCount)
	}
	if !strings.Contains(got.LastError, "resolve post") {
		t.Fatalf("LastError = %q", got.LastError)
	}
	if sink.lastStatus() != publish.PostFailed {
		t.Fatalf("post status = %s, want failed", sink.lastStatus())
	}
	if len(sink.firstResults()) != 0 {
		t.Fatal("target results recorded for an unresolved post")
	}
}

func TestUnresolvedAccountFailsTarget(t *testing.T) {
	t.Parallel()

	post := &publish.Post{
		ID:         "p1",
		Content:    publish.Content{Body: "hi"},
		AccountIDs: []string{"ghost"},
		Status:     publish.PostScheduled,
	}
	res := &fakeResolver{posts: map[string]*publish.Post{"p1": post}}
	sink := &fakeSink{}

	svc := newTestService(t, testConfig(), Deps{Resolver: res, Sink: sink})

	j, err := svc.Schedule("p1", time.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, 2*time.Second, "post to reach failed", func() bool {
		return sink.lastStatus() == publish.PostFailed
	})

	got, _ := svc.Job(j.ID)
	if got.Status != JobFailed || got.RetryCount != 0 {
		t.Fatalf("job = %+v, want failed without retries", got)
	}
	targets := sink.lastResults()
	if len(targets) != 1 {
		t.Fatalf("recorded %d targets, want 1", len(targets))
	}
	if targets[0].Status != publish.TargetFailed ||
		targets[0].ErrorKind != publish.KindNotAuthenticated ||
		targets[0].ErrorCode != "account_not_configured" {
		t.Fatalf("target = %+v, want account_not_configured failure", targets[0])
	}
}

func TestQuotaSkipReschedulesWithoutPlatformCall(t *testing.T) {
	t.Parallel()

	tg := &fakeAdapter{kind: publish.PlatformTelegram}
	res := &fakeResolver{posts: map[string]*publish.Post{
		"p1": testPost("p1", tgAccount("a1")),
	}}
	sink := &fakeSink{}
	tracker := ratelimit.NewTracker()
	tracker.Update(publish.PlatformTelegram, ratelimit.Info{Remaining: 0, ResetAt: time.Now().Add(60 * time.Millisecond)})

	// Generous retry budget: the job may be skipped on several ticks
	// before the quota window closes.
	cfg := testConfig()
	cfg.RetryMax = 5

	svc := newTestService(t, cfg, Deps{
		Resolver: res,
		Sink:     sink,
		Adapters: platform.NewRegistry(tg),
		Tracker:  tracker,
	})

	j, err := svc.Schedule("p1", time.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, 3*time.Second, "post to reach posted after quota reset", func() bool {
		return sink.lastStatus() == publish.PostPosted
	})

	got, _ := svc.Job(j.ID)
	if got.Status != JobCompleted || got.RetryCount < 1 {
		t.Fatalf("job = %+v, want completed after at least one quota retry", got)
	}
	// The exhausted attempt must be pre-empted, not sent: exactly one
	// platform call for the successful attempt.
	if tg.callCount() != 1 {
		t.Fatalf("adapter called %d times, want 1", tg.callCount())
	}

	first := sink.firstResults()
	if len(first) != 1 || first[0].Status != publish.TargetSkipped || first[0].ErrorCode != "rate_limit_skip" {
		t.Fatalf("first attempt record = %+v, want a quota skip", first)
	}
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, testConfig(), Deps{Resolver: &fakeResolver{}, Sink: &fakeSink{}})

	j, err := svc.Schedule("p1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if svc.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", svc.PendingCount())
	}
	if !svc.Cancel(j.ID) {
		t.Fatal("Cancel refused a pending job")
	}
	if svc.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d after cancel, want 0", svc.PendingCount())
	}
	if svc.Cancel(j.ID) {
		t.Fatal("Cancel succeeded twice for the same job")
	}
}

func TestRecurringSchedules(t *testing.T) {
	t.Parallel()

	tg := &fakeAdapter{kind: publish.PlatformTelegram}
	res := &fakeResolver{posts: map[string]*publish.Post{
		"p1": testPost("p1", tgAccount("a1")),
	}}

	svc := newTestService(t, testConfig(), Deps{
		Resolver: res,
		Sink:     &fakeSink{},
		Adapters: platform.NewRegistry(tg),
	})

	if err := svc.ScheduleRecurring("p1", "not a cron line at all"); !errors.Is(err, ErrBadRecurrence) {
		t.Fatalf("bad expression error = %v, want ErrBadRecurrence", err)
	}
	if err := svc.ScheduleRecurring("", "@hourly"); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("empty post error = %v, want ErrInvalidSchedule", err)
	}

	if err := svc.ScheduleRecurring("p1", "@every 50ms"); err != nil {
		t.Fatalf("ScheduleRecurring: %v", err)
	}
	if specs := svc.RecurringSpecs(); specs["p1"] != "@every 50ms" {
		t.Fatalf("RecurringSpecs = %v", specs)
	}

	waitFor(t, 3*time.Second, "recurring fire to publish", func() bool {
		return tg.callCount() >= 1
	})

	if !svc.RemoveRecurring("p1") {
		t.Fatal("RemoveRecurring refused a registered schedule")
	}
	if svc.RemoveRecurring("p1") {
		t.Fatal("RemoveRecurring succeeded twice")
	}
}

func TestSnapshotCountsOutcomes(t *testing.T) {
	t.Parallel()

	tg := &fakeAdapter{kind: publish.PlatformTelegram}
	res := &fakeResolver{posts: map[string]*publish.Post{
		"ok":  testPost("ok", tgAccount("a1")),
		"bad": testPost("bad", publish.Account{ID: "a2", Platform: publish.PlatformTelegram, Name: "a2"}),
	}}
	sink := &fakeSink{}

	tg.fn = func(_ int, acct publish.Account, _ publish.Content) (*platform.Result, error) {
		if acct.ID == "a2" {
			return nil, publish.NewError(publish.KindNotAuthenticated, "bad_token", "unauthorized")
		}
		return &platform.Result{RemoteID: "m1"}, nil
	}

	svc := newTestService(t, testConfig(), Deps{
		Resolver: res,
		Sink:     sink,
		Adapters: platform.NewRegistry(tg),
	})

	if _, err := svc.Schedule("ok", time.Now()); err != nil {
		t.Fatalf("Schedule ok: %v", err)
	}
	if _, err := svc.Schedule("bad", time.Now()); err != nil {
		t.Fatalf("Schedule bad: %v", err)
	}

	waitFor(t, 3*time.Second, "both jobs to settle", func() bool {
		snap := svc.Snapshot()
		return snap.Completed == 1 && snap.Failed == 1
	})

	snap := svc.Snapshot()
	if snap.Pending != 0 || snap.Processing != 0 {
		t.Fatalf("snapshot counts = %+v, want all settled", snap)
	}
	if len(snap.History) < 2 {
		t.Fatalf("history has %d entries, want >= 2", len(snap.History))
	}
}

func TestNilResultWithoutErrorFailsTarget(t *testing.T) {
	t.Parallel()

	tg := &fakeAdapter{kind: publish.PlatformTelegram, fn: func(int, publish.Account, publish.Content) (*platform.Result, error) {
		return nil, nil
	}}
	res := &fakeResolver{posts: map[string]*publish.Post{
		"p1": testPost("p1", tgAccount("a1")),
	}}
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.RetryMax = 0

	svc := newTestService(t, cfg, Deps{
		Resolver: res,
		Sink:     sink,
		Adapters: platform.NewRegistry(tg),
	})

	j, err := svc.Schedule("p1", time.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, 2*time.Second, "post to reach failed", func() bool {
		return sink.lastStatus() == publish.PostFailed
	})

	got, _ := svc.Job(j.ID)
	if got.Status != JobFailed {
		t.Fatalf("job = %+v, want failed", got)
	}
	targets := sink.lastResults()
	if len(targets) != 1 || targets[0].Status != publish.TargetFailed {
		t.Fatalf("targets = %+v, want one failed target", targets)
	}
	if targets[0].ErrorKind != publish.KindUnknown || targets[0].ErrorCode != "nil_result" {
		t.Fatalf("target error = %s/%s, want unknown/nil_result", targets[0].ErrorKind, targets[0].ErrorCode)
	}
}

func TestFinalizeWaitsForSlowestTarget(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once

	tg := &fakeAdapter{kind: publish.PlatformTelegram}
	tg.fn = func(int, publish.Account, publish.Content) (*platform.Result, error) {
		once.Do(func() { close(entered) })
		<-release
		return &platform.Result{RemoteID: "tg-slow"}, nil
	}
	masto := &fakeAdapter{kind: publish.PlatformMastodon}
	res := &fakeResolver{posts: map[string]*publish.Post{
		"p1": testPost("p1", tgAccount("a1"), mastoAccount("a2")),
	}}
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.SendTimeout = 5 * time.Second

	svc := newTestService(t, cfg, Deps{
		Resolver: res,
		Sink:     sink,
		Adapters: platform.NewRegistry(tg, masto),
	})
	defer close(release)

	j, err := svc.Schedule("p1", time.Now())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	<-entered
	waitFor(t, 2*time.Second, "fast target to finish", func() bool {
		return masto.callCount() == 1
	})

	// The fast target is done but the slow one is still in flight: the
	// job must not settle until every target is terminal.
	time.Sleep(50 * time.Millisecond)
	if got, _ := svc.Job(j.ID); got.Status != JobProcessing {
		t.Fatalf("job settled to %s with a target still in flight", got.Status)
	}
	if st := sink.lastStatus(); st != publish.PostPosting {
		t.Fatalf("post status = %s while a target is in flight, want posting", st)
	}
	if rs := sink.lastResults(); rs != nil {
		t.Fatalf("target results recorded before the slowest target finished: %+v", rs)
	}

	release <- struct{}{}

	waitFor(t, 2*time.Second, "job to settle after release", func() bool {
		got, ok := svc.Job(j.ID)
		return ok && got.Status == JobCompleted
	})
	if sink.lastStatus() != publish.PostPosted {
		t.Fatalf("post status = %s, want posted", sink.lastStatus())
	}
	targets := sink.lastResults()
	if len(targets) != 2 {
		t.Fatalf("recorded %d targets, want 2", len(targets))
	}
	for _, tgt := range targets {
		if tgt.Status != publish.TargetSuccess {
			t.Fatalf("target %s = %s, want success", tgt.AccountID, tgt.Status)
		}
	}
}
