package publish

import (
	"strings"
	"time"
)

// PlatformKind identifies a delivery platform.
type PlatformKind string

const (
	PlatformTelegram PlatformKind = "telegram"
	PlatformMastodon PlatformKind = "mastodon"
	PlatformDiscord  PlatformKind = "discord"

	// PlatformUnknown marks accounts whose platform could not be resolved
	// (typically removed from config while a post still references them).
	PlatformUnknown PlatformKind = "unknown"
)

// ParsePlatform normalizes a platform label from config or storage.
func ParsePlatform(s string) PlatformKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "telegram", "tg":
		return PlatformTelegram
	case "mastodon":
		return PlatformMastodon
	case "discord":
		return PlatformDiscord
	default:
		return PlatformUnknown
	}
}

// Account is one publishing identity on one platform.
//
// Credentials are adapter-interpreted key/value pairs (token, chat_id,
// server, webhook_url, ...). They come from config and are never persisted
// by the engine.
type Account struct {
	ID          string            `json:"id"`
	Platform    PlatformKind      `json:"platform"`
	Name        string            `json:"name,omitempty"`
	Credentials map[string]string `json:"-"`
}

// Credential returns a credential value, "" when absent.
func (a Account) Credential(key string) string {
	if a.Credentials == nil {
		return ""
	}
	return strings.TrimSpace(a.Credentials[key])
}

// Configured reports whether the account resolved to a known platform.
func (a Account) Configured() bool {
	return a.Platform != "" && a.Platform != PlatformUnknown
}

// Content is the platform-independent body of a post.
type Content struct {
	Body  string   `json:"body"`
	Media []string `json:"media,omitempty"` // paths or URLs, adapter-interpreted
}

func (c Content) Empty() bool {
	return strings.TrimSpace(c.Body) == "" && len(c.Media) == 0
}

// PostStatus is the user-visible rollup of a post's delivery outcome.
type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostScheduled PostStatus = "scheduled"

	// PostPosting means a dispatch attempt is in flight (or pending retry).
	PostPosting PostStatus = "posting"

	// Terminal rollups. Partial is terminal on purpose: retrying a partial
	// post would re-send to platforms that already accepted it.
	PostPosted  PostStatus = "posted"
	PostPartial PostStatus = "partial"
	PostFailed  PostStatus = "failed"
)

// Terminal reports whether the status is a final delivery outcome.
func (s PostStatus) Terminal() bool {
	return s == PostPosted || s == PostPartial || s == PostFailed
}

// Post is a composed entry plus its selected delivery accounts.
//
// AccountIDs preserves the user's selection order; Accounts carries the
// resolved credentials and is populated by the resolver at dispatch time,
// never persisted.
type Post struct {
	ID         string   `json:"id"`
	Content    Content  `json:"content"`
	AccountIDs []string `json:"account_ids"`

	Accounts []Account `json:"-"`

	Status      PostStatus `json:"status"`
	Recurrence  string     `json:"recurrence,omitempty"` // cron spec, empty for one-shot posts
	ScheduledAt time.Time  `json:"scheduled_at"`
	PostedAt    time.Time  `json:"posted_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
