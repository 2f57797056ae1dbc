package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"crosspost/internal/platform"
	"crosspost/internal/publish"
	"crosspost/internal/ratelimit"
	logx "crosspost/pkg/logx"
)

// scanLoop wakes on a ticker, marks due jobs processing, and hands them to
// the workers. The first scan runs immediately so a restart doesn't sit
// out a full tick while overdue posts wait.
func (s *Service) scanLoop(ctx context.Context, stopCh <-chan struct{}, queue chan string, tick time.Duration) {
	s.runTick(queue)

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-t.C:
			s.runTick(queue)
		}
	}
}

func (s *Service) runTick(queue chan string) {
	// A tick that fires while the previous scan is still handing out work
	// is skipped, never stacked.
	if !atomic.CompareAndSwapInt32(&s.scanning, 0, 1) {
		atomic.AddUint64(&s.ticksSkipped, 1)
		s.log.Debug("tick skipped: previous scan still running")
		return
	}
	defer atomic.StoreInt32(&s.scanning, 0)

	now := time.Now()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if n := s.store.PruneTerminal(cfg.PruneAfter, now); n > 0 {
		s.log.Debug("terminal jobs pruned", logx.Int("count", n))
	}

	for _, j := range s.store.Due(now) {
		jj, ok := s.store.MarkProcessing(j.ID)
		if !ok {
			// Cancelled between scan and claim.
			continue
		}
		select {
		case queue <- jj.ID:
		default:
			// Workers are saturated. Put the job back and let a later
			// tick pick it up rather than blocking the scan.
			s.store.Requeue(jj.ID)
			s.onQueueFullRequeued(now, jj, queue)
		}
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan string, idx int) {
	// Per-worker RNG: avoids global lock contention when several jobs
	// compute retry delays at once.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case id, ok := <-queue:
			if !ok {
				// Queue is not expected to close in normal operation, but handle it defensively.
				return
			}
			s.runJob(ctx, id, rng)
		}
	}
}

// runJob executes one delivery attempt: resolve the post, fan out to every
// open target concurrently, wait for all of them, then settle the job.
func (s *Service) runJob(ctx context.Context, id string, rng *rand.Rand) {
	job, ok := s.store.Get(id)
	if !ok || job.Status != JobProcessing {
		// Requeued or cancelled between tick and dequeue.
		return
	}

	start := time.Now()

	s.mu.Lock()
	cfg := s.cfg
	sem := s.sendSem
	lim := s.limiter
	s.mu.Unlock()

	s.log.Debug("job started",
		logx.String("job", job.ID),
		logx.String("post", job.PostID),
		logx.Int("attempt", job.RetryCount+1),
	)
	s.publish("job.started", JobEvent{JobID: job.ID, PostID: job.PostID, RetryCount: job.RetryCount})

	if err := s.sink.UpdatePostStatus(ctx, job.PostID, publish.PostPosting, time.Time{}); err != nil {
		s.log.Warn("post status not persisted", logx.String("post", job.PostID), logx.Err(err))
	}

	post, err := s.resolvePost(ctx, job.PostID, cfg.SendTimeout)
	if err != nil {
		// A job whose post is gone can never succeed. No retry.
		s.finalizeFailed(ctx, job, nil, start, cfg, fmt.Sprintf("resolve post: %v", err))
		return
	}

	ts := s.targetsFor(job.ID, post)
	if ts.Len() == 0 {
		s.finalizeFailed(ctx, job, ts, start, cfg, "post has no delivery targets")
		return
	}

	accounts := make(map[string]publish.Account, len(post.Accounts))
	for _, a := range post.Accounts {
		accounts[a.ID] = a
	}

	var wg sync.WaitGroup
	for _, tgt := range ts.Open() {
		acct, known := accounts[tgt.AccountID]
		if !known || !acct.Configured() {
			ts.RecordFailure(tgt.ID, publish.NewError(publish.KindNotAuthenticated, "account_not_configured",
				fmt.Sprintf("account %q has no usable credentials", tgt.AccountID)))
			s.emitTarget("target.failed", job, tgt, publish.TargetFailed, "account not configured")
			continue
		}
		ad, found := s.adapters.For(tgt.Platform)
		if !found {
			ts.RecordFailure(tgt.ID, publish.NewError(publish.KindValidation, "platform_unavailable",
				fmt.Sprintf("no adapter registered for %s", tgt.Platform)))
			s.emitTarget("target.failed", job, tgt, publish.TargetFailed, "platform unavailable")
			continue
		}
		if s.tracker != nil && !s.tracker.CanProceed(tgt.Platform) {
			wait := s.tracker.Wait(tgt.Platform)
			ts.RecordSkipped(tgt.ID, "platform quota exhausted", wait)
			s.emitTarget("target.skipped", job, tgt, publish.TargetSkipped, "platform quota exhausted")
			s.log.Debug("target skipped: quota exhausted",
				logx.String("job", job.ID),
				logx.String("platform", string(tgt.Platform)),
				logx.Duration("reset_in", wait),
			)
			continue
		}

		wg.Add(1)
		go s.sendTarget(ctx, &wg, sem, lim, cfg, job, ts, tgt, acct, ad, post.Content)
	}
	wg.Wait()

	s.finalize(ctx, job, ts, start, cfg, rng)
}

func (s *Service) sendTarget(ctx context.Context, wg *sync.WaitGroup, sem chan struct{}, lim *rate.Limiter,
	cfg Config, job Job, ts *publish.TargetSet, tgt publish.Target, acct publish.Account, ad platform.Adapter,
	content publish.Content) {
	defer wg.Done()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		ts.RecordFailure(tgt.ID, publish.WrapError(publish.KindNetwork, "shutdown", ctx.Err()))
		return
	}
	defer func() { <-sem }()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			ts.RecordFailure(tgt.ID, publish.WrapError(publish.KindNetwork, "shutdown", err))
			return
		}
	}

	ts.RecordPosting(tgt.ID)

	rctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	var res *platform.Result
	var err error
	// Guard against adapter panics: one broken platform client must not
	// take a worker down mid-job.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("adapter panic",
					logx.String("platform", string(tgt.Platform)),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
			}
		}()
		res, err = ad.Publish(rctx, acct, content)
	}()

	if err == nil && res == nil {
		// An adapter breaking its contract must fail this target, not
		// crash the engine on the result deref below.
		err = publish.NewError(publish.KindUnknown, "nil_result", "adapter returned neither result nor error")
	}

	if err != nil {
		perr := publish.Classify(err)
		ts.RecordFailure(tgt.ID, perr)
		if s.tracker != nil && perr.Kind == publish.KindRateLimited && perr.RetryAfter > 0 {
			s.tracker.Update(tgt.Platform, ratelimit.Info{ResetAt: time.Now().Add(perr.RetryAfter)})
		}
		s.emitTarget("target.failed", job, tgt, publish.TargetFailed, perr.Error())
		s.log.Warn("target failed",
			logx.String("job", job.ID),
			logx.String("platform", string(tgt.Platform)),
			logx.String("account", acct.Name),
			logx.String("kind", string(perr.Kind)),
			logx.Err(perr),
		)
		return
	}

	ts.RecordSuccess(tgt.ID, res.RemoteID, res.RemoteURL)
	if s.tracker != nil && res.RateLimit != nil {
		s.tracker.Update(tgt.Platform, *res.RateLimit)
	}
	s.emitTarget("target.posted", job, tgt, publish.TargetSuccess, "")
	s.log.Info("target posted",
		logx.String("job", job.ID),
		logx.String("platform", string(tgt.Platform)),
		logx.String("account", acct.Name),
		logx.String("remote_id", res.RemoteID),
	)
}

// finalize settles a job after all targets reached a terminal status for
// this attempt: complete it, fail it, or put it back in the queue with a
// backoff delay.
func (s *Service) finalize(ctx context.Context, job Job, ts *publish.TargetSet, start time.Time, cfg Config, rng *rand.Rand) {
	targets := ts.Targets()
	if err := s.sink.RecordTargetResults(ctx, job.PostID, targets); err != nil {
		s.log.Warn("target results not persisted", logx.String("post", job.PostID), logx.Err(err))
	}

	succeeded, failed, skipped, _ := ts.Counts()
	status := ts.Derive()
	dur := time.Since(start)

	switch status {
	case publish.PostPosted, publish.PostPartial:
		now := time.Now()
		if _, ok := s.store.Complete(job.ID); !ok {
			return
		}
		if err := s.sink.UpdatePostStatus(ctx, job.PostID, status, now); err != nil {
			s.log.Warn("post status not persisted", logx.String("post", job.PostID), logx.Err(err))
		}
		s.dropTargets(job.ID)
		atomic.AddUint64(&s.completed, 1)

		summary := ""
		evType := "job.completed"
		if status == publish.PostPartial {
			// Partial is terminal: retrying would double-post the targets
			// that already went out.
			evType = "job.partial"
			summary = errorSummary(targets)
		}
		s.publish(evType, JobEvent{
			JobID:      job.ID,
			PostID:     job.PostID,
			Outcome:    string(status),
			RetryCount: job.RetryCount,
			Succeeded:  succeeded,
			Failed:     failed,
			Skipped:    skipped,
			Error:      summary,
		})
		s.log.Info("job finished",
			logx.String("job", job.ID),
			logx.String("post", job.PostID),
			logx.String("outcome", string(status)),
			logx.Int("ok", succeeded),
			logx.Int("failed", failed),
			logx.Int("skipped", skipped),
			logx.Duration("dur", dur),
		)
		s.appendHistory(HistoryItem{
			JobID:    job.ID,
			PostID:   job.PostID,
			Started:  start,
			Duration: dur,
			Outcome:  string(status),
			Targets:  len(targets),
			Error:    summary,
		}, cfg.HistorySize)

	default:
		summary := errorSummary(targets)
		if ts.Retryable() && job.RetryCount < job.MaxRetries {
			delay := nextRetryDelay(cfg, job.RetryCount, ts.RetryAfterHint(), rng)
			if jj, ok := s.store.Reschedule(job.ID, time.Now().Add(delay), summary); ok {
				ts.ResetForRetry()
				atomic.AddUint64(&s.retried, 1)
				s.publish("job.rescheduled", JobEvent{
					JobID:      jj.ID,
					PostID:     jj.PostID,
					Outcome:    "rescheduled",
					RetryCount: jj.RetryCount,
					DueAt:      jj.DueAt,
					Failed:     failed,
					Skipped:    skipped,
					Error:      summary,
				})
				s.log.Info("job rescheduled",
					logx.String("job", jj.ID),
					logx.String("post", jj.PostID),
					logx.Int("attempt", jj.RetryCount),
					logx.Duration("delay", delay),
					logx.String("err", summary),
				)
				s.appendHistory(HistoryItem{
					JobID:    job.ID,
					PostID:   job.PostID,
					Started:  start,
					Duration: dur,
					Outcome:  "rescheduled",
					Targets:  len(targets),
					Error:    summary,
				}, cfg.HistorySize)
				return
			}
			// Lost a race with Cancel; fall through to the terminal path.
		}
		s.finalizeFailed(ctx, job, ts, start, cfg, summary)
	}
}

// finalizeFailed marks the job and its post permanently failed. ts may be
// nil when the post never expanded (resolve failure).
func (s *Service) finalizeFailed(ctx context.Context, job Job, ts *publish.TargetSet, start time.Time, cfg Config, summary string) {
	if _, ok := s.store.Fail(job.ID, summary); !ok {
		return
	}
	if err := s.sink.UpdatePostStatus(ctx, job.PostID, publish.PostFailed, time.Time{}); err != nil {
		s.log.Warn("post status not persisted", logx.String("post", job.PostID), logx.Err(err))
	}

	nTargets, failed, skipped := 0, 0, 0
	if ts != nil {
		nTargets = ts.Len()
		_, failed, skipped, _ = ts.Counts()
	}
	s.dropTargets(job.ID)
	atomic.AddUint64(&s.failed, 1)

	s.publish("job.failed", JobEvent{
		JobID:      job.ID,
		PostID:     job.PostID,
		Outcome:    "failed",
		RetryCount: job.RetryCount,
		Failed:     failed,
		Skipped:    skipped,
		Error:      summary,
	})
	s.log.Warn("job failed",
		logx.String("job", job.ID),
		logx.String("post", job.PostID),
		logx.Int("attempts", job.RetryCount+1),
		logx.String("err", summary),
	)
	s.appendHistory(HistoryItem{
		JobID:    job.ID,
		PostID:   job.PostID,
		Started:  start,
		Duration: time.Since(start),
		Outcome:  "failed",
		Targets:  nTargets,
		Error:    summary,
	}, cfg.HistorySize)
}

func (s *Service) emitTarget(typ string, job Job, tgt publish.Target, status publish.TargetStatus, errMsg string) {
	s.publish(typ, TargetEvent{
		JobID:    job.ID,
		PostID:   job.PostID,
		TargetID: tgt.ID,
		Account:  tgt.AccountID,
		Platform: tgt.Platform,
		Status:   status,
		Error:    errMsg,
	})
}

func (s *Service) resolvePost(ctx context.Context, postID string, timeout time.Duration) (*publish.Post, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	post, err := s.resolver.ResolvePost(rctx, postID)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, publish.NewError(publish.KindPostNotFound, "post_missing", "resolver returned no post")
	}
	return post, nil
}

// errorSummary condenses per-target failures into one line for the job's
// LastError and alerting.
func errorSummary(targets []publish.Target) string {
	bad := 0
	first := ""
	for _, t := range targets {
		if t.Status != publish.TargetFailed && t.Status != publish.TargetSkipped {
			continue
		}
		bad++
		if first == "" {
			first = fmt.Sprintf("%s: %s", t.Platform, t.ErrorMessage)
		}
	}
	switch bad {
	case 0:
		return ""
	case 1:
		return first
	default:
		return fmt.Sprintf("%d targets failed; first: %s", bad, first)
	}
}
