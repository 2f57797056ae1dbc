// Package dispatch runs scheduled posts: it keeps the pending job queue,
// wakes on a ticker, fans each due post out to its platform targets, and
// applies the retry policy to failed attempts.
//
// The engine owns no post content and no credentials. Posts come from a
// PostResolver, outcomes leave through a StatusSink, and platform IO goes
// through the adapter registry. Everything in between (jobs, targets,
// backoff) lives here.
package dispatch
