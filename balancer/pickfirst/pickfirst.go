// Package pickfirst implements the pick_first load-balancing policy: walk
// the ordered address list until one subchannel becomes ready, then route
// every RPC to it.
package pickfirst

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-grpccore/balancer"
	"github.com/joeycumines/go-grpccore/connectivity"
	"github.com/joeycumines/go-grpccore/resolver"
)

// Name is the registry key of this policy.
const Name = "pick_first"

func init() {
	balancer.Register(builder{})
}

type builder struct{}

func (builder) Name() string { return Name }

func (builder) Build(cc balancer.ClientConn) balancer.Balancer {
	return &pickFirst{cc: cc, subConns: make(map[string]balancer.SubConn)}
}

// pickFirst walks the address list in order. All methods and listener
// callbacks run serialized on the channel's work loop; no locking needed.
type pickFirst struct {
	cc       balancer.ClientConn
	addrs    []resolver.Address
	subConns map[string]balancer.SubConn
	// current is the address under attempt, or of the ready subchannel.
	current string
	ready   bool
	// sticky reports that the whole list was exhausted; the policy
	// keeps publishing TRANSIENT_FAILURE until an attempt succeeds,
	// rather than oscillating back through CONNECTING.
	sticky  bool
	lastErr error
	started bool
	closed  bool
}

func (p *pickFirst) UpdateResolverState(rs balancer.ResolverState) error {
	if p.closed {
		return nil
	}
	if len(rs.Addresses) == 0 {
		p.shutdownAll()
		p.lastErr = status.Error(codes.Unavailable, "resolver produced no addresses")
		p.sticky = true
		p.ready = false
		p.publishFailure()
		return p.lastErr
	}
	prev := p.addrs
	p.addrs = rs.Addresses
	p.pruneRemoved(prev)
	if p.ready && p.hasAddr(p.current) {
		// Stick with the live connection.
		return nil
	}
	p.startSweep()
	return nil
}

func (p *pickFirst) ExitIdle() {
	if p.closed || p.ready || p.started || len(p.addrs) == 0 {
		return
	}
	p.startSweep()
}

func (p *pickFirst) Close() {
	p.closed = true
	p.shutdownAll()
}

func (p *pickFirst) hasAddr(addr string) bool {
	for _, a := range p.addrs {
		if a.Addr == addr {
			return true
		}
	}
	return false
}

func (p *pickFirst) pruneRemoved(prev []resolver.Address) {
	for _, a := range prev {
		if !p.hasAddr(a.Addr) {
			if sc := p.subConns[a.Addr]; sc != nil {
				sc.Shutdown()
				delete(p.subConns, a.Addr)
			}
		}
	}
}

func (p *pickFirst) shutdownAll() {
	for addr, sc := range p.subConns {
		sc.Shutdown()
		delete(p.subConns, addr)
	}
	p.ready = false
	p.started = false
	p.current = ""
}

// startSweep begins (or restarts) the walk at the head of the list.
func (p *pickFirst) startSweep() {
	p.started = true
	p.ready = false
	p.attempt(0)
}

func (p *pickFirst) attempt(i int) {
	if p.closed {
		return
	}
	if i >= len(p.addrs) {
		// Exhausted. Report failure, then keep trying from the top;
		// the subchannels' backoff schedules pace the retries.
		p.sticky = true
		p.publishFailure()
		p.cc.RequestReresolution()
		if len(p.subConns) == 0 {
			// Every NewSubConn failed; wait for fresh addresses
			// rather than spinning on the same broken list.
			p.started = false
			return
		}
		p.attempt(0)
		return
	}
	addr := p.addrs[i]
	p.current = addr.Addr
	sc := p.subConns[addr.Addr]
	if sc == nil {
		var err error
		sc, err = p.cc.NewSubConn(addr, p.listener(addr.Addr, i))
		if err != nil {
			p.lastErr = err
			p.attempt(i + 1)
			return
		}
		p.subConns[addr.Addr] = sc
	}
	if !p.sticky {
		p.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.Connecting,
			Picker:            queuePicker{},
		})
	}
	sc.Connect()
}

// listener returns the state callback for the subchannel at list index i.
// The index is re-checked against the live list on every event, since the
// list may have been replaced since the subchannel was created.
func (p *pickFirst) listener(addr string, i int) balancer.StateListener {
	return func(s balancer.SubConnState) {
		if p.closed || p.subConns[addr] == nil {
			return
		}
		if s.Err != nil {
			p.lastErr = s.Err
		}
		if addr != p.current {
			return
		}
		switch s.State {
		case connectivity.Ready:
			p.ready = true
			p.sticky = false
			p.cc.UpdateState(balancer.State{
				ConnectivityState: connectivity.Ready,
				Picker:            &onePicker{sc: p.subConns[addr]},
			})
		case connectivity.TransientFailure:
			if p.ready {
				// The live connection died; resume from the top.
				p.cc.RequestReresolution()
				p.startSweep()
				return
			}
			next := p.indexOf(addr) + 1
			p.attempt(next)
		case connectivity.Idle:
			if p.ready {
				// Graceful close.
				p.cc.RequestReresolution()
				p.startSweep()
			}
		}
	}
}

func (p *pickFirst) indexOf(addr string) int {
	for i, a := range p.addrs {
		if a.Addr == addr {
			return i
		}
	}
	return len(p.addrs)
}

func (p *pickFirst) publishFailure() {
	st := status.New(codes.Unavailable, "all addresses failed")
	if p.lastErr != nil {
		st = status.Newf(codes.Unavailable, "all addresses failed; last error: %v", p.lastErr)
	}
	p.cc.UpdateState(balancer.State{
		ConnectivityState: connectivity.TransientFailure,
		Picker:            failPicker{st: st},
	})
}

type queuePicker struct{}

func (queuePicker) Pick(balancer.PickInfo) balancer.PickResult { return balancer.Queue() }

type onePicker struct{ sc balancer.SubConn }

func (p *onePicker) Pick(balancer.PickInfo) balancer.PickResult { return balancer.Pick(p.sc) }

type failPicker struct{ st *status.Status }

func (p failPicker) Pick(balancer.PickInfo) balancer.PickResult { return balancer.Fail(p.st) }
