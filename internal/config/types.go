package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`

	// Storage is the system of record for posts and delivery results.
	// If omitted, the app defaults to the sqlite driver.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Dispatch controls the scheduling/fan-out engine.
	Dispatch *DispatchConfig `json:"dispatch,omitempty"`

	// Notify controls operator alerts for failed/partial posts.
	// If omitted, alerting is off.
	Notify *NotifyConfig `json:"notify,omitempty"`

	// Accounts are the publishing identities posts can target.
	// Credential values must never appear in logs or diff summaries.
	Accounts []AccountConfig `json:"accounts"`
}

// AccountConfig declares one publishing identity on one platform.
//
// Credentials are adapter-interpreted key/value pairs:
//   - telegram: token, chat_id
//   - mastodon: server, access_token
//   - discord:  webhook_url
type AccountConfig struct {
	ID          string            `json:"id"`
	Platform    string            `json:"platform"`
	Name        string            `json:"name,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

// DispatchConfig controls the dispatch engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default true)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - tick_interval: "15s"
//   - send_timeout: "30s"
//   - max_concurrent_sends: 8
//   - send_rate_per_sec: 0 (pacing disabled)
//   - retry_max: 3 (use -1 to disable retries)
//   - retry_base: "1m", retry_max_delay: "30m", retry_jitter: "1s"
//   - prune_after: "0s" (terminal jobs kept)
//   - history_size: 50
type DispatchConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// TickInterval is how often pending jobs are scanned for due work.
	TickInterval string `json:"tick_interval,omitempty"`

	// SendTimeout bounds a single platform publish call.
	SendTimeout string `json:"send_timeout,omitempty"`

	MaxConcurrentSends int `json:"max_concurrent_sends,omitempty"`
	SendRatePerSec     int `json:"send_rate_per_sec,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	RetryJitter   string `json:"retry_jitter,omitempty"`

	// PruneAfter drops completed/failed jobs once they are older than this.
	// Use "0s" to keep them until shutdown.
	PruneAfter string `json:"prune_after,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// NotifyConfig controls the operator alert pipeline.
//
// All durations are Go duration strings. AccountID must reference an entry
// in accounts; alerts are delivered through that account's platform.
type NotifyConfig struct {
	Enabled         bool   `json:"enabled"`
	AccountID       string `json:"account_id"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./crosspost.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
