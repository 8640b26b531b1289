// Package balancer defines the load-balancing policy contract consumed by
// the client channel, along with a process-wide registry of policy builders
// keyed by policy name.
//
// A policy owns a set of subchannels and publishes an immutable [Picker]
// whenever the set or its states change materially. Pickers must be pure
// and wait-free; the channel reads the current picker through an atomic
// pointer and never invokes it under a channel-wide lock.
package balancer

import (
	"sync"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-grpccore/connectivity"
	"github.com/joeycumines/go-grpccore/resolver"
)

// SubConn is the policy's handle to one subchannel. The channel resolves
// it back to a pooled subchannel when a picker returns it.
type SubConn interface {
	// Connect requests a connection attempt, per the subchannel state
	// machine: immediate from IDLE, scheduled for the backoff deadline
	// from TRANSIENT_FAILURE, and a no-op otherwise. No attempt starts
	// before the backoff deadline.
	Connect()
	// ResetBackoff zeroes the next attempt's delay without triggering
	// an attempt.
	ResetBackoff()
	// Shutdown releases the handle. The underlying subchannel is torn
	// down once its last handle is gone.
	Shutdown()
}

// SubConnState is a subchannel state change as seen by a policy.
type SubConnState struct {
	State connectivity.State
	// Err is the last connection error; set when State is
	// TransientFailure.
	Err error
}

// StateListener receives subchannel state changes. Listeners are invoked
// serially on the channel's work loop.
type StateListener func(SubConnState)

// ClientConn is the channel-side surface a policy drives. All methods are
// safe to call from the channel's work loop, where policies run.
type ClientConn interface {
	// NewSubConn obtains a subchannel handle for the address. The
	// listener observes every state transition until Shutdown.
	NewSubConn(addr resolver.Address, listener StateListener) (SubConn, error)
	// UpdateState atomically publishes a new picker together with the
	// channel's aggregated connectivity state.
	UpdateState(State)
	// RequestReresolution asks the resolver for fresh addresses.
	RequestReresolution()
}

// State is what a policy publishes to the channel.
type State struct {
	ConnectivityState connectivity.State
	Picker            Picker
}

// ResolverState is the policy's view of the latest resolution result.
type ResolverState struct {
	Addresses []resolver.Address
}

// PickInfo describes one RPC about to be dispatched.
type PickInfo struct {
	// Method is the full method path, e.g. "/service/method".
	Method string
	// Metadata is the call's outgoing initial metadata. May be nil.
	Metadata metadata.MD
}

// PickKind discriminates the four picker outcomes.
type PickKind int

const (
	// KindPick routes the RPC to PickResult.SubConn.
	KindPick PickKind = iota
	// KindQueue parks the RPC until a new picker is published.
	KindQueue
	// KindFail fails the RPC with PickResult.Status, unless it is
	// wait-for-ready, in which case it is parked like KindQueue.
	KindFail
	// KindDrop fails the RPC with PickResult.Status regardless of
	// wait-for-ready.
	KindDrop
)

// PickResult is the outcome of one pick.
type PickResult struct {
	Kind    PickKind
	SubConn SubConn        // KindPick
	Status  *status.Status // KindFail, KindDrop
}

// Pick routes to the given subchannel.
func Pick(sc SubConn) PickResult { return PickResult{Kind: KindPick, SubConn: sc} }

// Queue parks the RPC until the next picker.
func Queue() PickResult { return PickResult{Kind: KindQueue} }

// Fail fails the RPC unless it is wait-for-ready.
func Fail(st *status.Status) PickResult { return PickResult{Kind: KindFail, Status: st} }

// Drop fails the RPC unconditionally.
func Drop(st *status.Status) PickResult { return PickResult{Kind: KindDrop, Status: st} }

// Picker chooses a subchannel for each new RPC. Implementations must be
// immutable snapshots: pure, wait-free, and safe for concurrent use.
type Picker interface {
	Pick(info PickInfo) PickResult
}

// Balancer is one instantiated policy. The channel serializes all calls
// into a Balancer (and all StateListener invocations) on its work loop.
type Balancer interface {
	// UpdateResolverState delivers a new address list. Returning an
	// error indicates the policy cannot make progress with it (for
	// example, an empty list).
	UpdateResolverState(ResolverState) error
	// ExitIdle asks the policy to begin connecting if it is idle.
	ExitIdle()
	// Close releases all subchannel handles. No ClientConn calls may
	// be made after Close returns.
	Close()
}

// Builder creates policy instances.
type Builder interface {
	// Name returns the registry key, e.g. "pick_first".
	Name() string
	// Build creates a policy bound to cc.
	Build(cc ClientConn) Balancer
}

var registry struct {
	sync.RWMutex
	m map[string]Builder
}

// Register adds a builder to the process-wide registry, replacing any
// previous builder of the same name. Intended for use at init time.
func Register(b Builder) {
	registry.Lock()
	defer registry.Unlock()
	if registry.m == nil {
		registry.m = make(map[string]Builder)
	}
	registry.m[b.Name()] = b
}

// Get returns the builder registered under name, or nil.
func Get(name string) Builder {
	registry.RLock()
	defer registry.RUnlock()
	return registry.m[name]
}
