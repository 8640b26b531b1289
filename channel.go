package grpccore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-grpccore/balancer"
	_ "github.com/joeycumines/go-grpccore/balancer/pickfirst"  // registered by default
	_ "github.com/joeycumines/go-grpccore/balancer/roundrobin" // registered by default
	"github.com/joeycumines/go-grpccore/connectivity"
	"github.com/joeycumines/go-grpccore/internal/grpcutil"
	"github.com/joeycumines/go-grpccore/internal/transport"
	"github.com/joeycumines/go-grpccore/resolver"
	"github.com/joeycumines/go-grpccore/serviceconfig"
)

// Channel is the client-side entry point: it owns a resolver and a
// load-balancing policy, aggregates subchannel connectivity into one
// channel state, and routes each new call through the current picker.
type Channel struct {
	target       string
	parsedTarget resolver.Target
	opts         *dialOptions
	loop         Loop
	owned        *ownedLoop

	// picker is the atomically published snapshot; reads never take a
	// channel-wide lock.
	picker atomic.Pointer[pickerSnapshot]

	mu           sync.Mutex
	state        connectivity.State
	stateChanged chan struct{}
	closed       bool
	calls        map[*ClientCall]struct{}

	// svcCfg is written on the loop and read by new calls.
	svcCfg atomic.Pointer[serviceconfig.Config]

	// defaultCfg is immutable after Dial.
	defaultCfg *serviceconfig.Config

	// Idleness bookkeeping, under mu.
	lastActivity time.Time
	idleTimer    *time.Timer

	// resolverBuilder/resolverTarget rebuild the resolver on idle
	// exit; immutable after Dial.
	resolverBuilder resolver.Builder
	resolverTarget  resolver.Target

	// Loop-confined state; touched only on c.loop.
	rslv         resolver.Resolver
	bal          balancer.Balancer
	balName      string
	gotResult    bool
	pendingPicks []*pickEntry
	idle         bool
	loopClosed   bool
}

type pickerSnapshot struct {
	picker balancer.Picker
}

// Dial creates a channel for target. It does not block on connection
// establishment; connectivity is driven by the LB policy as calls arrive.
func Dial(target string, opts ...DialOption) (*Channel, error) {
	cfg, err := resolveDialOptions(opts)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		target:       target,
		parsedTarget: resolver.ParseTarget(target),
		opts:         cfg,
		state:        connectivity.Idle,
		stateChanged: make(chan struct{}),
		calls:        make(map[*ClientCall]struct{}),
	}
	if cfg.defaultSvcConfig != "" {
		parsed, err := serviceconfig.Parse(cfg.defaultSvcConfig)
		if err != nil {
			return nil, fmt.Errorf("grpccore: default service config: %w", err)
		}
		c.defaultCfg = parsed
	}
	if cfg.loop != nil {
		c.loop = cfg.loop
	} else {
		owned, err := newOwnedLoop()
		if err != nil {
			return nil, fmt.Errorf("grpccore: event loop: %w", err)
		}
		c.owned = owned
		c.loop = owned
	}

	b := cfg.resolverBuilder
	rtarget := c.parsedTarget
	if b == nil {
		scheme := rtarget.Scheme
		if scheme != "" {
			b = resolver.Get(scheme)
		}
		if b == nil {
			// Unknown or missing scheme: the whole target is the
			// endpoint for the default resolver.
			b = resolver.Get(resolver.DefaultScheme)
			rtarget = resolver.Target{Scheme: resolver.DefaultScheme, Endpoint: target}
		}
	}
	c.resolverBuilder = b
	c.resolverTarget = rtarget
	r, err := b.Build(rtarget, (*channelWatcher)(c), resolver.BuildOptions{})
	if err != nil {
		if c.owned != nil {
			c.owned.stop()
		}
		return nil, fmt.Errorf("grpccore: resolver: %w", err)
	}
	// Loop-confined; the resolver may already have delivered results
	// via the watcher, which only touches loop state asynchronously.
	c.submit(func() {
		if c.loopClosed {
			r.Close()
			return
		}
		c.rslv = r
	})
	if d := cfg.idleTimeout; d > 0 {
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.idleTimer = time.AfterFunc(d, c.idleCheck)
		c.mu.Unlock()
	}
	c.logf(func(l *logiface.Logger[logiface.Event]) {
		l.Info().Str("target", target).Log("channel created")
	})
	return c, nil
}

// idleCheck fires on the idle timer: with no calls and no traffic for
// the configured period, the channel drops its control plane and reports
// IDLE until the next call.
func (c *Channel) idleCheck() {
	d := c.opts.idleTimeout
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	quiet := time.Since(c.lastActivity)
	busy := len(c.calls) > 0
	if busy || quiet < d {
		wait := d - quiet
		if busy || wait < time.Second {
			wait = d
		}
		c.idleTimer.Reset(wait)
		c.mu.Unlock()
		return
	}
	c.idleTimer.Reset(d)
	c.mu.Unlock()
	c.submit(c.enterIdle)
}

// enterIdle runs on the loop.
func (c *Channel) enterIdle() {
	if c.loopClosed || c.idle || len(c.pendingPicks) > 0 {
		return
	}
	c.mu.Lock()
	busy := len(c.calls) > 0
	c.mu.Unlock()
	if busy {
		return
	}
	c.idle = true
	if c.bal != nil {
		c.bal.Close()
		c.bal = nil
		c.balName = ""
	}
	if c.rslv != nil {
		c.rslv.Close()
		c.rslv = nil
	}
	c.gotResult = false
	c.picker.Store(nil)
	c.setState(connectivity.Idle)
}

// exitIdle runs on the loop: rebuild the resolver, which drives a fresh
// balancer and picker.
func (c *Channel) exitIdle() {
	if c.loopClosed || !c.idle {
		return
	}
	c.idle = false
	r, err := c.resolverBuilder.Build(c.resolverTarget, (*channelWatcher)(c), resolver.BuildOptions{})
	if err != nil {
		c.handleResolverError(err)
		return
	}
	c.rslv = r
}

func (c *Channel) submit(fn func()) {
	_ = c.loop.Submit(fn)
}

func (c *Channel) logf(fn func(*logiface.Logger[logiface.Event])) {
	if l := c.opts.logger; l != nil {
		fn(l)
	}
}

// channelWatcher adapts the channel to resolver.Watcher without widening
// the public method set of Channel.
type channelWatcher Channel

func (w *channelWatcher) UpdateResult(res resolver.Result) {
	c := (*Channel)(w)
	c.submit(func() { c.handleResolverResult(res) })
}

func (w *channelWatcher) ReportError(err error) {
	c := (*Channel)(w)
	c.submit(func() { c.handleResolverError(err) })
}

// handleResolverResult runs on the loop.
func (c *Channel) handleResolverResult(res resolver.Result) {
	if c.loopClosed {
		return
	}
	c.gotResult = true
	if sc := res.ServiceConfig; sc != nil {
		switch {
		case sc.Err != nil:
			c.logf(func(l *logiface.Logger[logiface.Event]) {
				l.Warning().Err(sc.Err).Log("service config error; keeping previous config")
			})
		default:
			parsed, err := serviceconfig.Parse(sc.Raw)
			if err != nil {
				c.logf(func(l *logiface.Logger[logiface.Event]) {
					l.Warning().Err(err).Log("invalid service config; keeping previous config")
				})
			} else {
				c.svcCfg.Store(parsed)
			}
		}
	}

	name := c.chooseBalancer()
	if c.bal == nil || name != c.balName {
		if c.bal != nil {
			c.bal.Close()
		}
		c.balName = name
		c.bal = balancer.Get(name).Build((*channelConn)(c))
	}
	if err := c.bal.UpdateResolverState(balancer.ResolverState{Addresses: res.Addresses}); err != nil {
		c.logf(func(l *logiface.Logger[logiface.Event]) {
			l.Warning().Err(err).Str("policy", name).Log("balancer rejected resolver state")
		})
	}
}

// chooseBalancer returns the first registered policy named by the
// effective service config, defaulting to pick_first.
func (c *Channel) chooseBalancer() string {
	cfg := c.svcCfg.Load()
	if cfg == nil {
		cfg = c.defaultCfg
	}
	if cfg != nil {
		for _, lb := range cfg.LoadBalancingConfigs() {
			if balancer.Get(lb.Name) != nil {
				return lb.Name
			}
		}
	}
	return "pick_first"
}

// methodConfig returns the effective method config for a full method
// path; a stale read is fine, config changes apply to new calls.
func (c *Channel) methodConfig(method string) *serviceconfig.MethodConfig {
	cfg := c.svcCfg.Load()
	if cfg == nil {
		cfg = c.defaultCfg
	}
	return cfg.MethodConfig(method)
}

// handleResolverError runs on the loop.
func (c *Channel) handleResolverError(err error) {
	if c.loopClosed {
		return
	}
	c.logf(func(l *logiface.Logger[logiface.Event]) {
		l.Warning().Err(err).Str("target", c.target).Log("resolver error")
	})
	if c.gotResult {
		// Keep operating on the last good result.
		return
	}
	st := status.Newf(codes.Internal, "resolver error: %v", err)
	c.applyState(balancer.State{
		ConnectivityState: connectivity.TransientFailure,
		Picker:            failEverything{st: st},
	})
}

type failEverything struct{ st *status.Status }

func (p failEverything) Pick(balancer.PickInfo) balancer.PickResult { return balancer.Fail(p.st) }

// channelConn adapts the channel to balancer.ClientConn.
type channelConn Channel

func (cc *channelConn) NewSubConn(addr resolver.Address, listener balancer.StateListener) (balancer.SubConn, error) {
	c := (*Channel)(cc)
	if c.loopClosed {
		return nil, ErrChannelClosed
	}
	scCfg := subchannelConfig{
		backoff:     c.opts.backoff,
		fingerprint: c.opts.fingerprint(),
		logger:      c.opts.logger,
		clientOpts: transport.ClientOptions{
			KeepaliveTime:    c.opts.keepaliveTime,
			KeepaliveTimeout: c.opts.keepaliveTimeout,
			MaxRecvMsgSize:   c.opts.maxRecvMsgSize,
			UserAgent:        c.opts.userAgent,
		},
	}
	var sc *Subchannel
	if c.opts.noSharedPool {
		sc = newPrivateSubchannel(addr, scCfg)
	} else {
		sc = globalSubchannelPool.get(addr, scCfg)
	}
	asc := &acquiredSubConn{ch: c, sc: sc}
	asc.unwatch = sc.watch(func(s balancer.SubConnState) {
		c.submit(func() {
			if !asc.shut.Load() && !c.loopClosed {
				listener(s)
			}
		})
	})
	return asc, nil
}

func (cc *channelConn) UpdateState(s balancer.State) {
	(*Channel)(cc).applyState(s)
}

func (cc *channelConn) RequestReresolution() {
	c := (*Channel)(cc)
	if c.rslv != nil {
		c.rslv.RequestReresolution()
	}
}

// applyState runs on the loop: publish the picker, update the aggregate
// state, and re-pick parked calls against the new picker.
func (c *Channel) applyState(s balancer.State) {
	if s.Picker != nil {
		c.picker.Store(&pickerSnapshot{picker: s.Picker})
	}
	c.setState(s.ConnectivityState)
	pending := c.pendingPicks
	c.pendingPicks = nil
	for _, e := range pending {
		c.evaluatePick(e)
	}
}

func (c *Channel) setState(s connectivity.State) {
	c.mu.Lock()
	if c.closed && s != connectivity.Shutdown {
		c.mu.Unlock()
		return
	}
	if c.state == s {
		c.mu.Unlock()
		return
	}
	old := c.state
	c.state = s
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
	c.mu.Unlock()
	c.logf(func(l *logiface.Logger[logiface.Event]) {
		l.Info().Str("target", c.target).Stringer("from", old).Stringer("to", s).Log("channel state")
	})
}

// acquiredSubConn is the balancer's handle onto a pooled subchannel.
type acquiredSubConn struct {
	ch      *Channel
	sc      *Subchannel
	unwatch func()
	shut    atomic.Bool
}

func (a *acquiredSubConn) Connect()      { a.sc.Connect() }
func (a *acquiredSubConn) ResetBackoff() { a.sc.ResetBackoff() }

func (a *acquiredSubConn) Shutdown() {
	if a.shut.CompareAndSwap(false, true) {
		a.unwatch()
		a.sc.release()
	}
}

// pickEntry is one call attempt waiting for a subchannel.
type pickEntry struct {
	info         balancer.PickInfo
	waitForReady bool
	claimed      atomic.Bool
	onPick       func(tr *transport.ClientTransport, addr resolver.Address)
	onFail       func(*status.Status)
}

// claim marks the entry resolved; exactly one resolution wins against a
// concurrent cancellation.
func (e *pickEntry) claim() bool {
	return e.claimed.CompareAndSwap(false, true)
}

// submitPick schedules a pick on the loop.
func (c *Channel) submitPick(e *pickEntry) {
	c.submit(func() { c.evaluatePick(e) })
}

// evaluatePick runs on the loop. Each evaluation sees exactly one picker
// snapshot; queued entries are re-evaluated only when a new picker is
// published.
func (c *Channel) evaluatePick(e *pickEntry) {
	if e.claimed.Load() {
		return
	}
	if c.loopClosed {
		if e.claim() {
			e.onFail(status.New(codes.Cancelled, "channel closed"))
		}
		return
	}
	if c.idle {
		c.exitIdle()
	}
	snap := c.picker.Load()
	if snap == nil {
		c.pendingPicks = append(c.pendingPicks, e)
		return
	}
	res := snap.picker.Pick(e.info)
	switch res.Kind {
	case balancer.KindPick:
		asc, ok := res.SubConn.(*acquiredSubConn)
		if !ok || asc == nil {
			if e.claim() {
				e.onFail(status.New(codes.Internal, "picker returned invalid subchannel"))
			}
			return
		}
		tr := asc.sc.getTransport()
		if tr == nil {
			// The picker raced a disconnection; wait for its
			// replacement.
			c.pendingPicks = append(c.pendingPicks, e)
			return
		}
		if e.claim() {
			e.onPick(tr, asc.sc.addr)
		}
	case balancer.KindQueue:
		c.pendingPicks = append(c.pendingPicks, e)
	case balancer.KindFail:
		if e.waitForReady {
			c.pendingPicks = append(c.pendingPicks, e)
			return
		}
		if e.claim() {
			e.onFail(grpcutil.CleanStatus(res.Status))
		}
	case balancer.KindDrop:
		if e.claim() {
			e.onFail(grpcutil.CleanStatus(res.Status))
		}
	}
}

// State returns the channel's aggregated connectivity state.
func (c *Channel) State() connectivity.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect asks the channel to exit idleness and begin connecting.
func (c *Channel) Connect() {
	c.submit(func() {
		if c.loopClosed {
			return
		}
		if c.idle {
			c.exitIdle()
			return
		}
		if c.bal != nil {
			c.bal.ExitIdle()
		}
	})
}

// WaitForStateChange blocks until the state differs from last or ctx
// expires, reporting true on a change.
func (c *Channel) WaitForStateChange(ctx context.Context, last connectivity.State) bool {
	c.mu.Lock()
	if c.state != last {
		c.mu.Unlock()
		return true
	}
	ch := c.stateChanged
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close releases the channel. No new calls may be started; in-flight
// calls observe cancellation.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	calls := make([]*ClientCall, 0, len(c.calls))
	for call := range c.calls {
		calls = append(calls, call)
	}
	c.calls = nil
	c.mu.Unlock()

	st := status.New(codes.Cancelled, "channel closed")
	for _, call := range calls {
		call.cancelWithStatus(st)
	}

	done := make(chan struct{})
	err := c.loop.Submit(func() {
		defer close(done)
		c.loopClosed = true
		pending := c.pendingPicks
		c.pendingPicks = nil
		for _, e := range pending {
			if e.claim() {
				e.onFail(st)
			}
		}
		if c.bal != nil {
			c.bal.Close()
			c.bal = nil
		}
		if c.rslv != nil {
			c.rslv.Close()
			c.rslv = nil
		}
	})
	if err == nil {
		<-done
	}
	c.setState(connectivity.Shutdown)
	if c.owned != nil {
		c.owned.stop()
	}
	c.logf(func(l *logiface.Logger[logiface.Event]) {
		l.Info().Str("target", c.target).Log("channel closed")
	})
}

// removeCall drops a finished call from the cancellation registry.
func (c *Channel) removeCall(call *ClientCall) {
	c.mu.Lock()
	if c.calls != nil {
		delete(c.calls, call)
	}
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// callAuthority resolves the :authority for a call per precedence:
// call-level override, channel default, per-address attribute, and
// finally the resolver target's endpoint.
func (c *Channel) callAuthority(callOverride string, addr resolver.Address) string {
	if callOverride != "" {
		return callOverride
	}
	if c.opts.authority != "" {
		return c.opts.authority
	}
	if addr.Authority != "" {
		return addr.Authority
	}
	if ep := c.parsedTarget.Endpoint; ep != "" {
		return ep
	}
	return addr.Addr
}
