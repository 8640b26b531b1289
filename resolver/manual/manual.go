// Package manual provides a resolver driven programmatically by the
// application, primarily for tests and custom control planes.
package manual

import (
	"sync"

	"github.com/joeycumines/go-grpccore/resolver"
)

// Resolver is a resolver.Builder whose results are pushed by the caller.
// Register it (or pass it with a channel option) and dial a target with the
// matching scheme; results set before the channel builds the resolver are
// delivered at build time.
type Resolver struct {
	scheme string

	mu            sync.Mutex
	watcher       resolver.Watcher
	last          *resolver.Result
	reresolutions int
	closed        bool
}

// New returns a manual resolver for the given scheme.
func New(scheme string) *Resolver {
	return &Resolver{scheme: scheme}
}

// Scheme implements resolver.Builder.
func (r *Resolver) Scheme() string { return r.scheme }

// Build implements resolver.Builder. The manual resolver supports a single
// concurrent channel; a second Build replaces the previous watcher.
func (r *Resolver) Build(_ resolver.Target, w resolver.Watcher, _ resolver.BuildOptions) (resolver.Resolver, error) {
	r.mu.Lock()
	r.watcher = w
	r.closed = false
	last := r.last
	r.mu.Unlock()
	if last != nil {
		w.UpdateResult(*last)
	}
	return (*manualInstance)(r), nil
}

// UpdateResult pushes a new result to the watching channel. Results pushed
// before Build are replayed once a watcher attaches.
func (r *Resolver) UpdateResult(res resolver.Result) {
	r.mu.Lock()
	r.last = &res
	w, closed := r.watcher, r.closed
	r.mu.Unlock()
	if w != nil && !closed {
		w.UpdateResult(res)
	}
}

// ReportError pushes a resolution error to the watching channel.
func (r *Resolver) ReportError(err error) {
	r.mu.Lock()
	w, closed := r.watcher, r.closed
	r.mu.Unlock()
	if w != nil && !closed {
		w.ReportError(err)
	}
}

// Reresolutions reports how many times the channel requested
// re-resolution.
func (r *Resolver) Reresolutions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reresolutions
}

// manualInstance is the per-channel handle returned by Build.
type manualInstance Resolver

func (m *manualInstance) RequestReresolution() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reresolutions++
}

func (m *manualInstance) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
