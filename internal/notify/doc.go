// Package notify alerts an operator when a post ends badly.
//
// The service subscribes to job.failed and job.partial events, formats a
// short human-readable alert, and delivers it through the configured
// operator account's platform adapter. Alerts are queued, rate limited,
// retried with backoff, and deduplicated per post+outcome so a recurring
// broken post does not flood the operator.
//
// Delivery is best-effort: a lost alert never affects the job outcome.
package notify
