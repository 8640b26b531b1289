// Package resolver defines the name resolution contract consumed by the
// client channel, along with a process-wide registry of resolver builders
// keyed by target scheme.
//
// A resolver produces a stream of [Result] snapshots: an ordered address
// list, an optional service config document, and an optional note. Results
// are immutable once delivered.
package resolver

import (
	"fmt"
	"strings"
	"sync"
)

// Address describes one resolved server address.
type Address struct {
	// Addr is the network address, host:port.
	Addr string
	// Authority optionally overrides the :authority used for RPCs to
	// this address. Empty means no override.
	Authority string
	// Attributes carries arbitrary per-address data for the LB policy
	// (for example a load-balancing token). May be nil.
	Attributes map[string]any
}

// ServiceConfig is a service config document as delivered by the control
// plane, not yet parsed. Exactly one of Raw or Err is meaningful.
type ServiceConfig struct {
	// Raw is the JSON document.
	Raw string
	// Err is set when the control plane failed to produce a config.
	Err error
}

// Result is one immutable resolution snapshot.
type Result struct {
	// Addresses is the ordered server address list.
	Addresses []Address
	// ServiceConfig is the optional service config (possibly an error).
	ServiceConfig *ServiceConfig
	// Note optionally annotates the resolution, for logging only.
	Note string
}

// Watcher receives resolution updates. Implemented by the client channel.
// Methods may be called from any goroutine.
type Watcher interface {
	// UpdateResult delivers a new resolution snapshot.
	UpdateResult(Result)
	// ReportError reports a resolution failure. The previous result, if
	// any, remains in effect.
	ReportError(error)
}

// Target is a parsed dial target.
type Target struct {
	// Scheme selects the resolver builder. Empty means the default.
	Scheme string
	// Authority is the optional scheme-specific authority component.
	Authority string
	// Endpoint is the remainder of the target.
	Endpoint string
}

// String reassembles the target in scheme://authority/endpoint form.
func (t Target) String() string {
	if t.Scheme == "" {
		return t.Endpoint
	}
	return t.Scheme + "://" + t.Authority + "/" + t.Endpoint
}

// ParseTarget splits a dial target of the form scheme://authority/endpoint.
// Targets without a scheme parse to an empty scheme and the whole string
// as the endpoint; the channel substitutes its default scheme.
func ParseTarget(target string) Target {
	scheme, rest, ok := strings.Cut(target, "://")
	if !ok {
		return Target{Endpoint: target}
	}
	authority, endpoint, ok := strings.Cut(rest, "/")
	if !ok {
		return Target{Scheme: scheme, Endpoint: rest}
	}
	return Target{Scheme: scheme, Authority: authority, Endpoint: endpoint}
}

// BuildOptions carries channel-provided options into Build.
type BuildOptions struct{}

// Builder creates resolvers for one scheme.
type Builder interface {
	// Scheme returns the registry key.
	Scheme() string
	// Build creates and starts a resolver for the target. The resolver
	// delivers results to w until closed. Build must not block on
	// network I/O; the first result may be delivered synchronously from
	// Build, so watchers must not hold locks across Build that their
	// update path takes.
	Build(target Target, w Watcher, opts BuildOptions) (Resolver, error)
}

// Resolver is one started resolution stream.
type Resolver interface {
	// RequestReresolution hints that the current addresses may be
	// stale, typically after a subchannel failure. May be a no-op.
	RequestReresolution()
	// Close stops the resolver. No watcher calls may be made after
	// Close returns.
	Close()
}

// DefaultScheme is used for targets with no scheme component.
const DefaultScheme = "passthrough"

var registry struct {
	sync.RWMutex
	m map[string]Builder
}

// Register adds a builder to the process-wide registry, replacing any
// builder previously registered for the same scheme. Intended for use at
// init time; Register and Get share a lock, so a channel dialing
// concurrently sees either the old or the new builder.
func Register(b Builder) {
	registry.Lock()
	defer registry.Unlock()
	if registry.m == nil {
		registry.m = make(map[string]Builder)
	}
	registry.m[b.Scheme()] = b
}

// Get returns the builder registered for scheme, or nil.
func Get(scheme string) Builder {
	registry.RLock()
	defer registry.RUnlock()
	return registry.m[scheme]
}

func init() {
	Register(passthroughBuilder{})
	Register(listBuilder{})
}

// passthroughBuilder resolves a target to itself, verbatim.
type passthroughBuilder struct{}

func (passthroughBuilder) Scheme() string { return "passthrough" }

func (passthroughBuilder) Build(target Target, w Watcher, _ BuildOptions) (Resolver, error) {
	if target.Endpoint == "" {
		return nil, fmt.Errorf("passthrough: empty endpoint in target %q", target.String())
	}
	r := &staticResolver{w: w, result: Result{Addresses: []Address{{Addr: target.Endpoint}}}}
	r.deliver()
	return r, nil
}

// listBuilder resolves a comma-separated endpoint to a fixed address list,
// preserving order.
type listBuilder struct{}

func (listBuilder) Scheme() string { return "list" }

func (listBuilder) Build(target Target, w Watcher, _ BuildOptions) (Resolver, error) {
	var addrs []Address
	for _, a := range strings.Split(target.Endpoint, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, Address{Addr: a})
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("list: no addresses in target %q", target.String())
	}
	r := &staticResolver{w: w, result: Result{Addresses: addrs}}
	r.deliver()
	return r, nil
}

// staticResolver redelivers a fixed result on every re-resolution request.
type staticResolver struct {
	mu     sync.Mutex
	w      Watcher
	result Result
	closed bool
}

func (r *staticResolver) deliver() {
	r.mu.Lock()
	w, res, closed := r.w, r.result, r.closed
	r.mu.Unlock()
	if !closed {
		w.UpdateResult(res)
	}
}

func (r *staticResolver) RequestReresolution() { r.deliver() }

func (r *staticResolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
