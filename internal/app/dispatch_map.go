package app

import (
	"fmt"

	"crosspost/internal/dispatch"
)

// mapDispatchConfig validates and converts the dispatch section into the
// runtime config (parsed durations). Zero values are left for the service
// to default; only bounds and duration syntax are checked here so a bad
// hot-reload is rejected before commit.
//
// An omitted section means enabled with all defaults.
func mapDispatchConfig(cfg *Config) (dispatch.Config, error) {
	out := dispatch.Config{Enabled: true}
	if cfg == nil || cfg.Dispatch == nil {
		return out, nil
	}
	d := cfg.Dispatch

	if d.Enabled != nil {
		out.Enabled = *d.Enabled
	}
	out.Workers = d.Workers
	out.QueueSize = d.QueueSize
	out.MaxConcurrentSends = d.MaxConcurrentSends
	out.SendRatePerSec = d.SendRatePerSec
	out.RetryMax = d.RetryMax
	out.HistorySize = d.HistorySize

	if out.Workers < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.workers must be >= 0")
	}
	if out.QueueSize < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.queue_size must be >= 0")
	}
	if out.MaxConcurrentSends < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.max_concurrent_sends must be >= 0")
	}
	if out.SendRatePerSec < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.send_rate_per_sec must be >= 0")
	}
	if out.RetryMax < -1 {
		return dispatch.Config{}, fmt.Errorf("dispatch.retry_max must be >= -1 (-1 disables retries)")
	}
	if out.HistorySize < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.history_size must be >= 0")
	}

	var err error
	out.TickInterval, err = parseDurationField("dispatch.tick_interval", d.TickInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	out.SendTimeout, err = parseDurationField("dispatch.send_timeout", d.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	out.RetryBase, err = parseDurationField("dispatch.retry_base", d.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	out.RetryMaxDelay, err = parseDurationField("dispatch.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	out.RetryJitter, err = parseDurationField("dispatch.retry_jitter", d.RetryJitter)
	if err != nil {
		return dispatch.Config{}, err
	}
	out.PruneAfter, err = parseDurationField("dispatch.prune_after", d.PruneAfter)
	if err != nil {
		return dispatch.Config{}, err
	}

	return out, nil
}
