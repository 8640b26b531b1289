// Package roundrobin implements the round_robin load-balancing policy: one
// subchannel per resolved address, all kept connected, with RPCs rotated
// across the ready ones.
package roundrobin

import (
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-grpccore/balancer"
	"github.com/joeycumines/go-grpccore/connectivity"
	"github.com/joeycumines/go-grpccore/resolver"
)

// Name is the registry key of this policy.
const Name = "round_robin"

func init() {
	balancer.Register(builder{})
}

type builder struct{}

func (builder) Name() string { return Name }

func (builder) Build(cc balancer.ClientConn) balancer.Balancer {
	return &roundRobin{cc: cc, subConns: make(map[string]*subConnInfo)}
}

type subConnInfo struct {
	sc    balancer.SubConn
	state connectivity.State
}

// roundRobin keeps one subchannel per address. All methods and listener
// callbacks run serialized on the channel's work loop; no locking needed.
type roundRobin struct {
	cc       balancer.ClientConn
	addrs    []resolver.Address
	subConns map[string]*subConnInfo
	// sticky reports that the policy has published TRANSIENT_FAILURE;
	// it keeps doing so until some subchannel reaches READY.
	sticky  bool
	lastErr error
	closed  bool
}

func (r *roundRobin) UpdateResolverState(rs balancer.ResolverState) error {
	if r.closed {
		return nil
	}
	r.addrs = rs.Addresses
	if len(rs.Addresses) == 0 {
		for addr, info := range r.subConns {
			info.sc.Shutdown()
			delete(r.subConns, addr)
		}
		r.lastErr = status.Error(codes.Unavailable, "resolver produced no addresses")
		r.sticky = true
		r.regenerate()
		return r.lastErr
	}
	seen := make(map[string]bool, len(rs.Addresses))
	for _, a := range rs.Addresses {
		seen[a.Addr] = true
		if r.subConns[a.Addr] != nil {
			continue
		}
		sc, err := r.cc.NewSubConn(a, r.listener(a.Addr))
		if err != nil {
			r.lastErr = err
			continue
		}
		r.subConns[a.Addr] = &subConnInfo{sc: sc, state: connectivity.Idle}
		sc.Connect()
	}
	for addr, info := range r.subConns {
		if !seen[addr] {
			info.sc.Shutdown()
			delete(r.subConns, addr)
		}
	}
	r.regenerate()
	return nil
}

func (r *roundRobin) ExitIdle() {
	for _, info := range r.subConns {
		if info.state == connectivity.Idle {
			info.sc.Connect()
		}
	}
}

func (r *roundRobin) Close() {
	r.closed = true
	for addr, info := range r.subConns {
		info.sc.Shutdown()
		delete(r.subConns, addr)
	}
}

func (r *roundRobin) listener(addr string) balancer.StateListener {
	return func(s balancer.SubConnState) {
		info := r.subConns[addr]
		if r.closed || info == nil {
			return
		}
		info.state = s.State
		switch s.State {
		case connectivity.TransientFailure:
			if s.Err != nil {
				r.lastErr = s.Err
			}
			r.cc.RequestReresolution()
			// Keep the slot warm; the subchannel's backoff paces
			// the reconnect.
			info.sc.Connect()
		case connectivity.Idle:
			info.sc.Connect()
		}
		r.regenerate()
	}
}

// regenerate publishes a picker reflecting the current ready set, in
// resolved-address order so rotation is stable.
func (r *roundRobin) regenerate() {
	var ready []balancer.SubConn
	connecting := false
	for _, a := range r.addrs {
		info := r.subConns[a.Addr]
		if info == nil {
			continue
		}
		switch info.state {
		case connectivity.Ready:
			ready = append(ready, info.sc)
		case connectivity.Connecting, connectivity.Idle:
			connecting = true
		}
	}
	switch {
	case len(ready) > 0:
		r.sticky = false
		r.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.Ready,
			Picker:            &rrPicker{subConns: ready},
		})
	case connecting && !r.sticky:
		r.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.Connecting,
			Picker:            queuePicker{},
		})
	default:
		r.sticky = true
		st := status.New(codes.Unavailable, "no ready subchannels")
		if r.lastErr != nil {
			st = status.Newf(codes.Unavailable, "no ready subchannels; last error: %v", r.lastErr)
		}
		r.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.TransientFailure,
			Picker:            failPicker{st: st},
		})
	}
}

// rrPicker cycles through the ready subchannels. The counter is the only
// mutable state and is atomic, keeping Pick wait-free.
type rrPicker struct {
	subConns []balancer.SubConn
	next     atomic.Uint64
}

func (p *rrPicker) Pick(balancer.PickInfo) balancer.PickResult {
	n := p.next.Add(1) - 1
	return balancer.Pick(p.subConns[n%uint64(len(p.subConns))])
}

type queuePicker struct{}

func (queuePicker) Pick(balancer.PickInfo) balancer.PickResult { return balancer.Queue() }

type failPicker struct{ st *status.Status }

func (p failPicker) Pick(balancer.PickInfo) balancer.PickResult { return balancer.Fail(p.st) }
