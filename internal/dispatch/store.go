package dispatch

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var jobSeq uint64

// newJobID returns a process-unique job ID.
// Collisions across restarts don't matter; jobs are re-created at boot.
func newJobID(now time.Time) string {
	seq := atomic.AddUint64(&jobSeq, 1)
	return fmt.Sprintf("job-%x-%x", now.UnixNano(), seq)
}

// Store holds every job the engine knows about, keyed by ID. It is a pure
// state machine: transitions that don't apply return false and change
// nothing. Callers decide what a refused transition means.
//
// All methods return copies; the canonical Job never leaves the lock.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewStore() *Store {
	return &Store{jobs: make(map[string]*Job)}
}

// Schedule creates a pending job for postID due at dueAt.
func (s *Store) Schedule(postID string, dueAt time.Time, maxRetries int) Job {
	now := time.Now()
	if maxRetries < 0 {
		maxRetries = 0
	}
	j := &Job{
		ID:         newJobID(now),
		PostID:     postID,
		Status:     JobPending,
		DueAt:      dueAt,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
	return *j
}

// Restore inserts a job with known fields, used when rebuilding the queue
// at boot. The ID is regenerated; status is forced to pending.
func (s *Store) Restore(postID string, dueAt time.Time, retryCount, maxRetries int) Job {
	j := s.Schedule(postID, dueAt, maxRetries)
	s.mu.Lock()
	if cur, ok := s.jobs[j.ID]; ok {
		if retryCount > 0 {
			cur.RetryCount = retryCount
		}
		j = *cur
	}
	s.mu.Unlock()
	return j
}

// Get returns a copy of the job.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Cancel removes a pending job. Processing and terminal jobs are left
// alone: an in-flight fan-out can't be yanked back, and history stays.
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != JobPending {
		return false
	}
	delete(s.jobs, id)
	return true
}

// CancelByPost cancels every pending job for postID and reports how many
// were removed.
func (s *Store) CancelByPost(postID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.PostID == postID && j.Status == JobPending {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

// Due returns copies of pending jobs with DueAt <= asOf, soonest first.
// Jobs already processing are not returned, so a slow fan-out is never
// picked up twice.
func (s *Store) Due(asOf time.Time) []Job {
	s.mu.Lock()
	out := make([]Job, 0, 8)
	for _, j := range s.jobs {
		if j.Status == JobPending && !j.DueAt.After(asOf) {
			out = append(out, *j)
		}
	}
	s.mu.Unlock()
	sortJobs(out)
	return out
}

// MarkProcessing moves a pending job to processing.
func (s *Store) MarkProcessing(id string) (Job, bool) {
	return s.transition(id, JobPending, func(j *Job) {
		j.Status = JobProcessing
	})
}

// Requeue moves a processing job back to pending without touching the
// retry count. Used when the work queue is full at tick time; the job
// runs on a later tick instead.
func (s *Store) Requeue(id string) bool {
	_, ok := s.transition(id, JobProcessing, func(j *Job) {
		j.Status = JobPending
	})
	return ok
}

// Complete moves a processing job to completed.
func (s *Store) Complete(id string) (Job, bool) {
	return s.transition(id, JobProcessing, func(j *Job) {
		j.Status = JobCompleted
		j.LastError = ""
	})
}

// Fail moves a processing job to failed and records the final error.
func (s *Store) Fail(id, errMsg string) (Job, bool) {
	return s.transition(id, JobProcessing, func(j *Job) {
		j.Status = JobFailed
		j.LastError = errMsg
	})
}

// Reschedule moves a processing job back to pending with a bumped retry
// count and a new due time. It refuses once the retry budget is spent;
// the caller should Fail the job instead.
func (s *Store) Reschedule(id string, dueAt time.Time, errMsg string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != JobProcessing || j.RetryCount >= j.MaxRetries {
		return Job{}, false
	}
	j.Status = JobPending
	j.RetryCount++
	j.DueAt = dueAt
	j.LastError = errMsg
	j.UpdatedAt = time.Now()
	return *j, true
}

// Pending returns copies of all pending jobs, soonest first.
func (s *Store) Pending() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Status == JobPending {
			out = append(out, *j)
		}
	}
	s.mu.Unlock()
	sortJobs(out)
	return out
}

// InRange returns copies of jobs (any status) due within [from, to),
// soonest first. Calendar views use this.
func (s *Store) InRange(from, to time.Time) []Job {
	s.mu.Lock()
	out := make([]Job, 0, 8)
	for _, j := range s.jobs {
		if !j.DueAt.Before(from) && j.DueAt.Before(to) {
			out = append(out, *j)
		}
	}
	s.mu.Unlock()
	sortJobs(out)
	return out
}

// PendingCount reports how many jobs are waiting to run.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobPending {
			n++
		}
	}
	return n
}

// Counts reports pending and processing totals in one pass.
func (s *Store) Counts() (pending, processing int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		switch j.Status {
		case JobPending:
			pending++
		case JobProcessing:
			processing++
		}
	}
	return pending, processing
}

// PruneTerminal removes completed/failed jobs untouched for longer than
// keep, and reports how many were dropped.
func (s *Store) PruneTerminal(keep time.Duration, now time.Time) int {
	if keep <= 0 {
		return 0
	}
	cutoff := now.Add(-keep)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

func (s *Store) transition(id string, want JobStatus, apply func(*Job)) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != want {
		return Job{}, false
	}
	apply(j)
	j.UpdatedAt = time.Now()
	return *j, true
}

func sortJobs(jobs []Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].DueAt.Equal(jobs[k].DueAt) {
			return jobs[i].DueAt.Before(jobs[k].DueAt)
		}
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
}
