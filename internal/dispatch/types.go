package dispatch

import (
	"context"
	"time"

	"crosspost/internal/publish"
)

// JobStatus is the lifecycle state of a scheduled job.
//
// pending -> processing -> completed
//                       -> failed
//                       -> pending (rescheduled retry)
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the job can never run again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is one scheduled delivery of a post. A retried job is the same Job
// with a bumped RetryCount and a new DueAt, never a new row.
type Job struct {
	ID     string
	PostID string
	Status JobStatus

	DueAt      time.Time
	RetryCount int
	MaxRetries int

	// LastError is the summary of the most recent failed attempt.
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Config controls the dispatch engine.
//
// The app layer maps config.dispatch into this struct. Zero values get
// defaults in New/Apply; Enabled is the only field without one.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// TickInterval is how often the pending queue is scanned for due jobs.
	TickInterval time.Duration

	// SendTimeout bounds a single platform publish call.
	SendTimeout time.Duration

	// MaxConcurrentSends caps in-flight platform calls across all jobs.
	// 0 applies a default.
	MaxConcurrentSends int

	// SendRatePerSec paces outbound platform calls. 0 disables pacing.
	SendRatePerSec int

	// Retry policy for failed deliveries. Delay for attempt n is
	// base*2^n plus uniform jitter, never above RetryMaxDelay.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   time.Duration

	// PruneAfter drops completed/failed jobs from the store once they are
	// older than this. 0 disables pruning.
	PruneAfter time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.MaxConcurrentSends <= 0 {
		c.MaxConcurrentSends = 8
	}
	if c.SendRatePerSec < 0 {
		c.SendRatePerSec = 0
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	return c
}

// PostResolver loads the post and its resolved accounts for a job.
// A post that no longer exists must fail with publish.KindPostNotFound.
type PostResolver interface {
	ResolvePost(ctx context.Context, postID string) (*publish.Post, error)
}

// StatusSink receives outcome updates as jobs progress. Sink errors are
// logged, never fatal: the engine's own state machine is authoritative.
type StatusSink interface {
	UpdatePostStatus(ctx context.Context, postID string, status publish.PostStatus, postedAt time.Time) error
	RecordTargetResults(ctx context.Context, postID string, targets []publish.Target) error
}

// JobEvent is emitted on the event bus for job lifecycle events.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	PostID     string    `json:"post_id"`
	Outcome    string    `json:"outcome,omitempty"`
	RetryCount int       `json:"retry_count"`
	DueAt      time.Time `json:"due_at,omitempty"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Error      string    `json:"error,omitempty"`
}

// TargetEvent is emitted on the event bus per delivery attempt.
type TargetEvent struct {
	JobID    string               `json:"job_id"`
	PostID   string               `json:"post_id"`
	TargetID string               `json:"target_id"`
	Account  string               `json:"account"`
	Platform publish.PlatformKind `json:"platform"`
	Status   publish.TargetStatus `json:"status"`
	Error    string               `json:"error,omitempty"`
}

type HistoryItem struct {
	JobID    string
	PostID   string
	Started  time.Time
	Duration time.Duration
	Outcome  string
	Targets  int
	Error    string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int

	Pending    int
	Processing int
	Completed  uint64
	Failed     uint64
	Retried    uint64

	TicksSkipped     uint64
	DroppedQueueFull uint64

	// Diagnostics for operators.
	TickInterval time.Duration
	SendTimeout  time.Duration
	RetryMax     int

	History []HistoryItem
}
