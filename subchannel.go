package grpccore

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-grpccore/balancer"
	"github.com/joeycumines/go-grpccore/connectivity"
	"github.com/joeycumines/go-grpccore/internal/backoff"
	"github.com/joeycumines/go-grpccore/internal/transport"
	"github.com/joeycumines/go-grpccore/resolver"
)

// subchannelKey identifies a shareable subchannel: same address, same
// connection-affecting channel args.
type subchannelKey struct {
	addr        string
	fingerprint string
}

// subchannelPool shares subchannels across channels. Access is
// serialized; per-subchannel state has its own lock.
type subchannelPool struct {
	mu      sync.Mutex
	entries map[subchannelKey]*Subchannel
}

var globalSubchannelPool = &subchannelPool{entries: make(map[subchannelKey]*Subchannel)}

// subchannelConfig carries the channel args a subchannel dials with.
type subchannelConfig struct {
	backoff     backoff.Config
	clientOpts  transport.ClientOptions
	fingerprint string
	logger      *logiface.Logger[logiface.Event]
}

// get returns the pooled subchannel for (addr, args), creating it on
// first use, and takes a reference.
func (p *subchannelPool) get(addr resolver.Address, cfg subchannelConfig) *Subchannel {
	key := subchannelKey{addr: addr.Addr, fingerprint: cfg.fingerprint}
	p.mu.Lock()
	defer p.mu.Unlock()
	sc := p.entries[key]
	if sc == nil {
		sc = newSubchannel(addr, cfg)
		sc.pool = p
		sc.key = key
		p.entries[key] = sc
	}
	sc.mu.Lock()
	sc.refs++
	sc.mu.Unlock()
	return sc
}

func (p *subchannelPool) remove(key subchannelKey, sc *Subchannel) {
	p.mu.Lock()
	if p.entries[key] == sc {
		delete(p.entries, key)
	}
	p.mu.Unlock()
}

// Subchannel owns at most one live transport to one resolved address and
// reports connectivity transitions to its watchers. Subchannels are
// reference-counted: each balancer handle holds one reference, and the
// subchannel shuts down when the last is released.
type Subchannel struct {
	addr resolver.Address
	cfg  subchannelConfig
	pool *subchannelPool
	key  subchannelKey

	mu              sync.Mutex
	refs            int
	state           connectivity.State
	lastErr         error
	transport       *transport.ClientTransport
	bo              *backoff.Strategy
	backoffDeadline time.Time
	retryTimer      *time.Timer
	gen             int
	watchers        map[int]func(balancer.SubConnState)
	nextWatcherID   int
}

func newSubchannel(addr resolver.Address, cfg subchannelConfig) *Subchannel {
	return &Subchannel{
		addr:     addr,
		cfg:      cfg,
		state:    connectivity.Idle,
		bo:       backoff.NewStrategy(cfg.backoff),
		watchers: make(map[int]func(balancer.SubConnState)),
	}
}

// newPrivateSubchannel creates an unpooled subchannel with one reference.
func newPrivateSubchannel(addr resolver.Address, cfg subchannelConfig) *Subchannel {
	sc := newSubchannel(addr, cfg)
	sc.refs = 1
	return sc
}

// watch registers a state watcher and immediately delivers the current
// state. The returned function unregisters it.
func (sc *Subchannel) watch(fn func(balancer.SubConnState)) (unwatch func()) {
	sc.mu.Lock()
	id := sc.nextWatcherID
	sc.nextWatcherID++
	sc.watchers[id] = fn
	cur := balancer.SubConnState{State: sc.state, Err: sc.lastErr}
	sc.mu.Unlock()
	fn(cur)
	return func() {
		sc.mu.Lock()
		delete(sc.watchers, id)
		sc.mu.Unlock()
	}
}

// setStateLocked transitions and snapshots watchers; the caller must
// notify with the returned closure after releasing sc.mu.
func (sc *Subchannel) setStateLocked(s connectivity.State, err error) func() {
	sc.state = s
	if err != nil {
		sc.lastErr = err
	}
	if s == connectivity.Ready {
		sc.lastErr = nil
	}
	fns := make([]func(balancer.SubConnState), 0, len(sc.watchers))
	for _, fn := range sc.watchers {
		fns = append(fns, fn)
	}
	st := balancer.SubConnState{State: s, Err: sc.lastErr}
	return func() {
		for _, fn := range fns {
			fn(st)
		}
	}
}

// Connect requests a connection: immediate from IDLE, scheduled for the
// backoff deadline from TRANSIENT_FAILURE, and a no-op otherwise.
func (sc *Subchannel) Connect() {
	sc.mu.Lock()
	switch sc.state {
	case connectivity.Idle:
		notify := sc.startAttemptLocked()
		sc.mu.Unlock()
		notify()
		return
	case connectivity.TransientFailure:
		if !time.Now().Before(sc.backoffDeadline) {
			notify := sc.startAttemptLocked()
			sc.mu.Unlock()
			notify()
			return
		}
		if sc.retryTimer == nil {
			d := time.Until(sc.backoffDeadline)
			sc.retryTimer = time.AfterFunc(d, sc.retryAttempt)
		}
	}
	sc.mu.Unlock()
}

// retryAttempt fires when a scheduled backoff deadline elapses.
func (sc *Subchannel) retryAttempt() {
	sc.mu.Lock()
	sc.retryTimer = nil
	if sc.state != connectivity.TransientFailure {
		sc.mu.Unlock()
		return
	}
	notify := sc.startAttemptLocked()
	sc.mu.Unlock()
	notify()
}

// startAttemptLocked transitions to CONNECTING and launches the dial.
func (sc *Subchannel) startAttemptLocked() func() {
	sc.gen++
	gen := sc.gen
	notify := sc.setStateLocked(connectivity.Connecting, nil)
	go sc.dial(gen)
	return notify
}

func (sc *Subchannel) dial(gen int) {
	timeout := sc.boMinConnectTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	opts := sc.cfg.clientOpts
	opts.OnGoAway = func() { sc.transportGoAway(gen) }
	opts.OnClose = func(err error) { sc.transportClosed(gen, err) }
	tr, err := transport.DialClient(ctx, sc.addr.Addr, opts)

	sc.mu.Lock()
	if sc.gen != gen || sc.state != connectivity.Connecting {
		sc.mu.Unlock()
		if tr != nil {
			tr.Close(transport.ErrConnClosing)
		}
		return
	}
	if err != nil {
		delay := sc.bo.Next()
		sc.backoffDeadline = time.Now().Add(delay)
		notify := sc.setStateLocked(connectivity.TransientFailure, err)
		sc.mu.Unlock()
		sc.logf(func(l *logiface.Logger[logiface.Event]) {
			l.Warning().Str("addr", sc.addr.Addr).Err(err).Log("subchannel connect failed")
		})
		notify()
		return
	}
	sc.transport = tr
	sc.bo.Reset()
	notify := sc.setStateLocked(connectivity.Ready, nil)
	sc.mu.Unlock()
	sc.logf(func(l *logiface.Logger[logiface.Event]) {
		l.Info().Str("addr", sc.addr.Addr).Log("subchannel ready")
	})
	notify()
}

func (sc *Subchannel) boMinConnectTimeout() time.Duration {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.bo.MinConnectTimeout()
}

// transportGoAway handles the peer starting to drain: the subchannel
// steps aside so new RPCs connect elsewhere, while the old transport
// keeps serving its live streams.
func (sc *Subchannel) transportGoAway(gen int) {
	sc.mu.Lock()
	if sc.gen != gen || sc.state != connectivity.Ready {
		sc.mu.Unlock()
		return
	}
	sc.transport = nil
	notify := sc.setStateLocked(connectivity.Idle, nil)
	sc.mu.Unlock()
	notify()
}

func (sc *Subchannel) transportClosed(gen int, err error) {
	sc.mu.Lock()
	if sc.gen != gen {
		sc.mu.Unlock()
		return
	}
	sc.transport = nil
	if sc.state != connectivity.Ready {
		sc.mu.Unlock()
		return
	}
	notify := sc.setStateLocked(connectivity.Idle, err)
	sc.mu.Unlock()
	notify()
}

// ResetBackoff zeroes the next attempt's delay. A pending scheduled
// attempt fires immediately; otherwise no attempt is triggered.
func (sc *Subchannel) ResetBackoff() {
	sc.mu.Lock()
	sc.bo.Reset()
	sc.backoffDeadline = time.Now()
	timer := sc.retryTimer
	sc.mu.Unlock()
	if timer != nil && timer.Stop() {
		go sc.retryAttempt()
	}
}

// getTransport returns the live transport while READY.
func (sc *Subchannel) getTransport() *transport.ClientTransport {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state != connectivity.Ready {
		return nil
	}
	return sc.transport
}

// State returns the current connectivity state.
func (sc *Subchannel) State() connectivity.State {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// release drops one reference; the last reference shuts the subchannel
// down.
func (sc *Subchannel) release() {
	sc.mu.Lock()
	sc.refs--
	if sc.refs > 0 {
		sc.mu.Unlock()
		return
	}
	sc.gen++
	tr := sc.transport
	sc.transport = nil
	timer := sc.retryTimer
	sc.retryTimer = nil
	notify := sc.setStateLocked(connectivity.Shutdown, nil)
	sc.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if tr != nil {
		tr.Close(transport.ErrConnClosing)
	}
	if sc.pool != nil {
		sc.pool.remove(sc.key, sc)
	}
	notify()
}

func (sc *Subchannel) logf(fn func(*logiface.Logger[logiface.Event])) {
	if l := sc.cfg.logger; l != nil {
		fn(l)
	}
}
