package pickfirst

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"

	"github.com/joeycumines/go-grpccore/balancer"
	"github.com/joeycumines/go-grpccore/connectivity"
	"github.com/joeycumines/go-grpccore/resolver"
)

type fakeSubConn struct {
	addr     string
	listener balancer.StateListener
	connects int
	shutdown bool
}

func (s *fakeSubConn) Connect()      { s.connects++ }
func (s *fakeSubConn) ResetBackoff() {}
func (s *fakeSubConn) Shutdown()     { s.shutdown = true }

type fakeCC struct {
	subConns      map[string]*fakeSubConn
	states        []balancer.State
	reresolutions int
	newSubConnErr error
}

func newFakeCC() *fakeCC { return &fakeCC{subConns: make(map[string]*fakeSubConn)} }

func (cc *fakeCC) NewSubConn(addr resolver.Address, l balancer.StateListener) (balancer.SubConn, error) {
	if cc.newSubConnErr != nil {
		return nil, cc.newSubConnErr
	}
	sc := &fakeSubConn{addr: addr.Addr, listener: l}
	cc.subConns[addr.Addr] = sc
	return sc, nil
}

func (cc *fakeCC) UpdateState(s balancer.State) { cc.states = append(cc.states, s) }
func (cc *fakeCC) RequestReresolution()         { cc.reresolutions++ }

func (cc *fakeCC) lastState(t *testing.T) balancer.State {
	t.Helper()
	if len(cc.states) == 0 {
		t.Fatal("no state published")
	}
	return cc.states[len(cc.states)-1]
}

func addrs(as ...string) balancer.ResolverState {
	var rs balancer.ResolverState
	for _, a := range as {
		rs.Addresses = append(rs.Addresses, resolver.Address{Addr: a})
	}
	return rs
}

func TestPickFirst_FirstAddressReady(t *testing.T) {
	cc := newFakeCC()
	b := builder{}.Build(cc)
	defer b.Close()
	if err := b.UpdateResolverState(addrs("a:1", "b:2")); err != nil {
		t.Fatal(err)
	}

	if got := cc.lastState(t); got.ConnectivityState != connectivity.Connecting {
		t.Fatalf("state after update: %v", got.ConnectivityState)
	}
	if cc.subConns["a:1"].connects != 1 {
		t.Fatal("first address not connected")
	}
	if cc.subConns["b:2"] != nil {
		t.Fatal("second address connected prematurely")
	}

	cc.subConns["a:1"].listener(balancer.SubConnState{State: connectivity.Ready})
	st := cc.lastState(t)
	if st.ConnectivityState != connectivity.Ready {
		t.Fatalf("state after ready: %v", st.ConnectivityState)
	}
	res := st.Picker.Pick(balancer.PickInfo{Method: "/s/m"})
	if res.Kind != balancer.KindPick || res.SubConn != balancer.SubConn(cc.subConns["a:1"]) {
		t.Fatalf("pick: %+v", res)
	}
}

func TestPickFirst_FallsThroughToSecond(t *testing.T) {
	cc := newFakeCC()
	b := builder{}.Build(cc)
	defer b.Close()
	_ = b.UpdateResolverState(addrs("a:1", "b:2"))

	cc.subConns["a:1"].listener(balancer.SubConnState{State: connectivity.TransientFailure, Err: errors.New("refused")})
	if cc.subConns["b:2"] == nil || cc.subConns["b:2"].connects != 1 {
		t.Fatal("did not advance to second address")
	}
	cc.subConns["b:2"].listener(balancer.SubConnState{State: connectivity.Ready})
	st := cc.lastState(t)
	if st.ConnectivityState != connectivity.Ready {
		t.Fatalf("state: %v", st.ConnectivityState)
	}
	if got := st.Picker.Pick(balancer.PickInfo{}); got.SubConn != balancer.SubConn(cc.subConns["b:2"]) {
		t.Fatalf("pick routed to %+v", got)
	}
}

func TestPickFirst_ExhaustionIsSticky(t *testing.T) {
	cc := newFakeCC()
	b := builder{}.Build(cc)
	defer b.Close()
	_ = b.UpdateResolverState(addrs("a:1", "b:2"))

	cc.subConns["a:1"].listener(balancer.SubConnState{State: connectivity.TransientFailure, Err: errors.New("a down")})
	cc.subConns["b:2"].listener(balancer.SubConnState{State: connectivity.TransientFailure, Err: errors.New("b down")})

	st := cc.lastState(t)
	if st.ConnectivityState != connectivity.TransientFailure {
		t.Fatalf("state after exhaustion: %v", st.ConnectivityState)
	}
	res := st.Picker.Pick(balancer.PickInfo{})
	if res.Kind != balancer.KindFail || res.Status.Code() != codes.Unavailable {
		t.Fatalf("pick: %+v", res)
	}
	if cc.reresolutions == 0 {
		t.Fatal("exhaustion did not request re-resolution")
	}

	// The retry sweep must not report CONNECTING while sticky.
	before := len(cc.states)
	cc.subConns["a:1"].listener(balancer.SubConnState{State: connectivity.Connecting})
	for _, s := range cc.states[before:] {
		if s.ConnectivityState == connectivity.Connecting {
			t.Fatal("oscillated to CONNECTING while sticky")
		}
	}

	// A success clears stickiness.
	cc.subConns["a:1"].listener(balancer.SubConnState{State: connectivity.Ready})
	if got := cc.lastState(t); got.ConnectivityState != connectivity.Ready {
		t.Fatalf("state after recovery: %v", got.ConnectivityState)
	}
}

func TestPickFirst_ReadyDisconnectRestartsFromTop(t *testing.T) {
	cc := newFakeCC()
	b := builder{}.Build(cc)
	defer b.Close()
	_ = b.UpdateResolverState(addrs("a:1", "b:2"))
	cc.subConns["a:1"].listener(balancer.SubConnState{State: connectivity.TransientFailure})
	cc.subConns["b:2"].listener(balancer.SubConnState{State: connectivity.Ready})

	connectsBefore := cc.subConns["a:1"].connects
	cc.subConns["b:2"].listener(balancer.SubConnState{State: connectivity.Idle})
	if cc.subConns["a:1"].connects != connectsBefore+1 {
		t.Fatal("did not resume from the top of the list")
	}
	if cc.reresolutions == 0 {
		t.Fatal("disconnect did not request re-resolution")
	}
}

func TestPickFirst_EmptyAddressList(t *testing.T) {
	cc := newFakeCC()
	b := builder{}.Build(cc)
	defer b.Close()
	if err := b.UpdateResolverState(addrs()); err == nil {
		t.Fatal("want error for empty address list")
	}
	st := cc.lastState(t)
	if st.ConnectivityState != connectivity.TransientFailure {
		t.Fatalf("state: %v", st.ConnectivityState)
	}
}

func TestPickFirst_StickyReadyAcrossResolverUpdate(t *testing.T) {
	cc := newFakeCC()
	b := builder{}.Build(cc)
	defer b.Close()
	_ = b.UpdateResolverState(addrs("a:1", "b:2"))
	cc.subConns["a:1"].listener(balancer.SubConnState{State: connectivity.Ready})

	// New list still contains the live address: keep the connection.
	stateCount := len(cc.states)
	_ = b.UpdateResolverState(addrs("b:2", "a:1"))
	if len(cc.states) != stateCount {
		t.Fatal("republished state despite live connection surviving update")
	}
	if cc.subConns["a:1"].shutdown {
		t.Fatal("live subchannel shut down")
	}

	// New list drops the live address: reconnect sweep starts.
	_ = b.UpdateResolverState(addrs("b:2"))
	if !cc.subConns["a:1"].shutdown {
		t.Fatal("removed subchannel not shut down")
	}
	if cc.subConns["b:2"].connects == 0 {
		t.Fatal("sweep did not start on the new list")
	}
}
