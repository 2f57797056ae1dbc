// Package storage persists posts and their per-target delivery results.
//
// Two drivers:
//   - "sqlite": SQLite database file (the default)
//   - "file":   dependency-free backend (snapshot + journal)
//
// The store carries everything a restart must not lose: post content,
// account selection, schedule, status, and the last recorded outcome per
// target. Accounts and credentials live in config, never here.
package storage
