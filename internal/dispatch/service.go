package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"crosspost/internal/eventbus"
	"crosspost/internal/platform"
	"crosspost/internal/publish"
	"crosspost/internal/ratelimit"
	logx "crosspost/pkg/logx"

	rtsup "crosspost/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

// Deps are the engine's collaborators. All are required except Tracker,
// which may be nil to disable advisory quota checks.
type Deps struct {
	Resolver PostResolver
	Sink     StatusSink
	Adapters *platform.Registry
	Tracker  *ratelimit.Tracker
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	resolver PostResolver
	sink     StatusSink
	adapters *platform.Registry
	tracker  *ratelimit.Tracker

	store *Store

	q        chan string
	sendSem  chan struct{}
	limiter  *rate.Limiter
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// scanning gates tick overlap: a tick that fires while the previous
	// scan is still draining is skipped, not queued.
	scanning int32

	tmu     sync.Mutex
	targets map[string]*publish.TargetSet

	hmu     sync.Mutex
	history []HistoryItem

	rec recurring

	completed        uint64
	failed           uint64
	retried          uint64
	ticksSkipped     uint64
	droppedQueueFull uint64

	lastQueueFullWarnAt int64
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		resolver: deps.Resolver,
		sink:     deps.Sink,
		adapters: deps.Adapters,
		tracker:  deps.Tracker,
		store:    NewStore(),
		targets:  make(map[string]*publish.TargetSet),
		rec:      newRecurring(),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Supervisor returns the engine's internal supervisor (nil if not started).
// This is used for operational visibility (e.g. /health).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if prev.Enabled && !cfg.Enabled {
		s.Stop(ctx)
		return
	}
	if !prev.Enabled && cfg.Enabled {
		s.Start(ctx)
		return
	}
	if !running {
		return
	}

	// Execution settings are captured at Start; changing them needs a
	// worker restart. Retry and prune settings take effect in place.
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize ||
		prev.TickInterval != cfg.TickInterval ||
		prev.MaxConcurrentSends != cfg.MaxConcurrentSends ||
		prev.SendRatePerSec != cfg.SendRatePerSec {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		// Re-check after wait.
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan string, cfg.QueueSize)
	s.sendSem = make(chan struct{}, cfg.MaxConcurrentSends)
	if cfg.SendRatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendRatePerSec)
	} else {
		s.limiter = nil
	}
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q
	workers := cfg.Workers

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		// Dispatch failures should not hard-kill the app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			// Clean exits happen only on shutdown.
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	sup.GoRestart("scan", func(c context.Context) error {
		s.scanLoop(c, stopCh, queue, cfg.TickInterval)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("scan loop exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)

	s.startRecurring()

	s.log.Info("dispatch engine started",
		logx.Int("workers", workers),
		logx.Int("queue", cap(queue)),
		logx.Duration("tick", cfg.TickInterval),
	)
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	s.stopRecurring()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.sendSem = nil
		s.limiter = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("dispatch engine stopped")
	case <-ctx.Done():
		s.log.Warn("dispatch engine stop timed out", logx.Any("err", ctx.Err()))
	}
}

// Schedule queues a one-shot delivery of postID at dueAt. A due time in
// the past is accepted; the job runs on the next tick.
func (s *Service) Schedule(postID string, dueAt time.Time) (Job, error) {
	if strings.TrimSpace(postID) == "" || dueAt.IsZero() {
		return Job{}, ErrInvalidSchedule
	}

	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if !cfg.Enabled {
		return Job{}, ErrDisabled
	}
	if !running {
		return Job{}, ErrStopped
	}
	if stopping {
		return Job{}, ErrStopping
	}

	j := s.store.Schedule(postID, dueAt, cfg.RetryMax)
	s.publish("job.scheduled", JobEvent{JobID: j.ID, PostID: j.PostID, DueAt: j.DueAt})
	s.log.Info("job scheduled",
		logx.String("job", j.ID),
		logx.String("post", j.PostID),
		logx.Time("due", j.DueAt),
	)
	return j, nil
}

// Restore re-creates a pending job for a post found in storage at boot,
// keeping the retry count it had when the process went down.
func (s *Service) Restore(postID string, dueAt time.Time, retryCount int) (Job, error) {
	if strings.TrimSpace(postID) == "" || dueAt.IsZero() {
		return Job{}, ErrInvalidSchedule
	}

	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	if !cfg.Enabled {
		return Job{}, ErrDisabled
	}
	if !running {
		return Job{}, ErrStopped
	}

	j := s.store.Restore(postID, dueAt, retryCount, cfg.RetryMax)
	s.log.Info("job restored",
		logx.String("job", j.ID),
		logx.String("post", j.PostID),
		logx.Time("due", j.DueAt),
		logx.Int("retries", j.RetryCount),
	)
	return j, nil
}

// Cancel removes a pending job. It reports false when the job is unknown,
// already running, or finished.
func (s *Service) Cancel(jobID string) bool {
	j, ok := s.store.Get(jobID)
	if !ok || !s.store.Cancel(jobID) {
		return false
	}
	s.dropTargets(jobID)
	s.publish("job.cancelled", JobEvent{JobID: j.ID, PostID: j.PostID, DueAt: j.DueAt})
	s.log.Info("job cancelled", logx.String("job", j.ID), logx.String("post", j.PostID))
	return true
}

// CancelByPost removes every pending job for a post (used when a post is
// deleted or unscheduled) and reports how many were cancelled.
func (s *Service) CancelByPost(postID string) int {
	n := s.store.CancelByPost(postID)
	if n > 0 {
		s.log.Info("jobs cancelled", logx.String("post", postID), logx.Int("count", n))
	}
	return n
}

// Job returns a copy of a job by ID.
func (s *Service) Job(id string) (Job, bool) {
	return s.store.Get(id)
}

// ListPending returns all pending jobs, soonest first.
func (s *Service) ListPending() []Job {
	return s.store.Pending()
}

// JobsInRange returns jobs due within [from, to), soonest first.
func (s *Service) JobsInRange(from, to time.Time) []Job {
	return s.store.InRange(from, to)
}

// PendingCount reports how many jobs are waiting to run.
func (s *Service) PendingCount() int {
	return s.store.PendingCount()
}

// Targets returns the per-target state of a job that has run at least
// once and is not yet terminal. Nil means no fan-out state is held.
func (s *Service) Targets(jobID string) []publish.Target {
	s.tmu.Lock()
	ts := s.targets[jobID]
	s.tmu.Unlock()
	if ts == nil {
		return nil
	}
	return ts.Targets()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql := 0
	qc := 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	pending, processing := s.store.Counts()

	return Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		Pending:          pending,
		Processing:       processing,
		Completed:        atomic.LoadUint64(&s.completed),
		Failed:           atomic.LoadUint64(&s.failed),
		Retried:          atomic.LoadUint64(&s.retried),
		TicksSkipped:     atomic.LoadUint64(&s.ticksSkipped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		TickInterval:     cfg.TickInterval,
		SendTimeout:      cfg.SendTimeout,
		RetryMax:         cfg.RetryMax,
		History:          h,
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (s *Service) targetsFor(jobID string, post *publish.Post) *publish.TargetSet {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if ts, ok := s.targets[jobID]; ok {
		return ts
	}
	ts := publish.Expand(post)
	s.targets[jobID] = ts
	return ts
}

func (s *Service) dropTargets(jobID string) {
	s.tmu.Lock()
	delete(s.targets, jobID)
	s.tmu.Unlock()
}

func (s *Service) appendHistory(item HistoryItem, historySize int) {
	if historySize <= 0 {
		historySize = 50
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullRequeued(now time.Time, j Job, q chan string) {
	atomic.AddUint64(&s.droppedQueueFull, 1)

	if !s.log.IsZero() && s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn(
			"job requeued: work queue full",
			logx.String("job", j.ID),
			logx.String("post", j.PostID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("requeued_total", atomic.LoadUint64(&s.droppedQueueFull)),
		)
	}
}
