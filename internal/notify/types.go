package notify

import (
	"time"

	"crosspost/internal/publish"
)

// Config controls the alert pipeline.
type Config struct {
	Enabled bool

	// AccountID names the operator account (from config accounts) alerts
	// are delivered to.
	AccountID string

	Workers    int
	QueueSize  int
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// DedupWindow suppresses repeat alerts for the same post+outcome.
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Alert is one operator notification.
type Alert struct {
	PostID  string
	JobID   string
	Outcome string // "failed" or "partial"
	Text    string
	At      time.Time
}

// AccountSource resolves account ids to credentials at send time, so a
// config reload takes effect without restarting the pipeline.
type AccountSource interface {
	Account(id string) (publish.Account, bool)
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// AlertEvent is emitted on the event bus for alert lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type AlertEvent struct {
	PostID  string    `json:"post_id"`
	JobID   string    `json:"job_id,omitempty"`
	Outcome string    `json:"outcome"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
