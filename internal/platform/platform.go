// Package platform defines the delivery adapter contract the dispatcher
// speaks. One adapter per platform kind; adapters normalize every platform
// quirk (payloads, status codes, quota headers) into publish.Error values
// and ratelimit.Info observations so the engine stays platform-agnostic.
package platform

import (
	"context"
	"sort"
	"sync"

	"crosspost/internal/publish"
	"crosspost/internal/ratelimit"
)

// Result is a successful delivery receipt.
type Result struct {
	RemoteID  string
	RemoteURL string

	// RateLimit carries the platform's quota observation when the response
	// exposed one. Success responses report it too, not only 429s.
	RateLimit *ratelimit.Info
}

// Adapter publishes content to one platform kind.
//
// Publish must honor ctx and should return *publish.Error for classified
// failures; anything else gets classified as unknown upstream. Validate is
// the compose-time check (length limits, required credentials) and must not
// touch the network.
type Adapter interface {
	Kind() publish.PlatformKind
	Validate(account publish.Account, content publish.Content) error
	Publish(ctx context.Context, account publish.Account, content publish.Content) (*Result, error)
}

// Registry maps platform kinds to adapters. Registration happens at startup;
// lookups run concurrently from dispatch workers.
type Registry struct {
	mu     sync.RWMutex
	byKind map[publish.PlatformKind]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{byKind: make(map[publish.PlatformKind]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its kind. Nil adapters are
// ignored.
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.byKind[a.Kind()] = a
	r.mu.Unlock()
}

// For returns the adapter for a kind.
func (r *Registry) For(kind publish.PlatformKind) (Adapter, bool) {
	r.mu.RLock()
	a, ok := r.byKind[kind]
	r.mu.RUnlock()
	return a, ok
}

// Kinds lists the registered platforms, sorted for stable logs.
func (r *Registry) Kinds() []publish.PlatformKind {
	r.mu.RLock()
	out := make([]publish.PlatformKind, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
