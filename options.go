package grpccore

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-grpccore/internal/backoff"
	"github.com/joeycumines/go-grpccore/resolver"
)

// DialOption configures a [Channel] at creation.
type DialOption interface {
	applyDial(*dialOptions) error
}

type dialOptions struct {
	authority        string
	idleTimeout      time.Duration
	loop             Loop
	logger           *logiface.Logger[logiface.Event]
	backoff          backoff.Config
	keepaliveTime    time.Duration
	keepaliveTimeout time.Duration
	maxRecvMsgSize   int
	maxSendMsgSize   int
	noSharedPool     bool
	defaultSvcConfig string
	resolverBuilder  resolver.Builder
	userAgent        string
	disableRetry     bool
}

type dialOptionImpl struct {
	fn func(*dialOptions) error
}

func (o *dialOptionImpl) applyDial(opts *dialOptions) error { return o.fn(opts) }

func newDialOption(fn func(*dialOptions) error) DialOption {
	return &dialOptionImpl{fn: fn}
}

func resolveDialOptions(opts []DialOption) (*dialOptions, error) {
	cfg := &dialOptions{
		backoff:        backoff.DefaultConfig,
		maxRecvMsgSize: 4 << 20,
		idleTimeout:    30 * time.Minute,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyDial(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// WithAuthority sets the channel-wide default :authority, overriding the
// value derived from the resolver target.
func WithAuthority(authority string) DialOption {
	return newDialOption(func(o *dialOptions) error {
		o.authority = authority
		return nil
	})
}

// WithIdleTimeout sets how long the channel may carry no calls before it
// drops its control plane and reports IDLE. Zero or negative disables
// idleness; the default is 30 minutes.
func WithIdleTimeout(d time.Duration) DialOption {
	return newDialOption(func(o *dialOptions) error {
		o.idleTimeout = d
		return nil
	})
}

// WithLoop supplies the channel's work loop. The default is a private
// event loop owned by the channel.
func WithLoop(loop Loop) DialOption {
	return newDialOption(func(o *dialOptions) error {
		if loop == nil {
			return errors.New("grpccore: loop must not be nil")
		}
		o.loop = loop
		return nil
	})
}

// WithLogger sets the structured logger for channel, subchannel, and
// transport lifecycle events. A nil logger disables logging.
func WithLogger(l *logiface.Logger[logiface.Event]) DialOption {
	return newDialOption(func(o *dialOptions) error {
		o.logger = l
		return nil
	})
}

// WithBackoffConfig overrides the connection backoff parameters.
func WithBackoffConfig(cfg backoff.Config) DialOption {
	return newDialOption(func(o *dialOptions) error {
		if cfg.Multiplier < 0 || cfg.Jitter < 0 || cfg.Jitter >= 1 {
			return fmt.Errorf("grpccore: invalid backoff config %+v", cfg)
		}
		o.backoff = cfg
		return nil
	})
}

// WithKeepalive enables HTTP/2 PING keepalive on client transports.
func WithKeepalive(interval, timeout time.Duration) DialOption {
	return newDialOption(func(o *dialOptions) error {
		if interval <= 0 {
			return errors.New("grpccore: keepalive interval must be positive")
		}
		o.keepaliveTime = interval
		o.keepaliveTimeout = timeout
		return nil
	})
}

// WithMaxReceiveMessageSize caps inbound message size channel-wide.
// Per-method service config caps further restrict it.
func WithMaxReceiveMessageSize(n int) DialOption {
	return newDialOption(func(o *dialOptions) error {
		if n <= 0 {
			return errors.New("grpccore: max receive message size must be positive")
		}
		o.maxRecvMsgSize = n
		return nil
	})
}

// WithMaxSendMessageSize caps outbound message size channel-wide.
func WithMaxSendMessageSize(n int) DialOption {
	return newDialOption(func(o *dialOptions) error {
		if n <= 0 {
			return errors.New("grpccore: max send message size must be positive")
		}
		o.maxSendMsgSize = n
		return nil
	})
}

// WithoutSubchannelPool opts the channel out of the process-wide
// subchannel pool; its subchannels are private.
func WithoutSubchannelPool() DialOption {
	return newDialOption(func(o *dialOptions) error {
		o.noSharedPool = true
		return nil
	})
}

// WithDefaultServiceConfig supplies a service config JSON document used
// until (and unless) the resolver provides one.
func WithDefaultServiceConfig(js string) DialOption {
	return newDialOption(func(o *dialOptions) error {
		o.defaultSvcConfig = js
		return nil
	})
}

// WithResolver uses the given builder for this channel regardless of the
// target scheme. Typically paired with [resolver/manual].
func WithResolver(b resolver.Builder) DialOption {
	return newDialOption(func(o *dialOptions) error {
		if b == nil {
			return errors.New("grpccore: resolver builder must not be nil")
		}
		o.resolverBuilder = b
		return nil
	})
}

// WithUserAgent prefixes the transport user-agent header.
func WithUserAgent(ua string) DialOption {
	return newDialOption(func(o *dialOptions) error {
		o.userAgent = ua
		return nil
	})
}

// WithDisableRetry ignores retry and hedging policies from the service
// config.
func WithDisableRetry() DialOption {
	return newDialOption(func(o *dialOptions) error {
		o.disableRetry = true
		return nil
	})
}

// fingerprint summarizes the dial options that affect connection
// behavior; subchannels are shared only between channels with equal
// fingerprints.
func (o *dialOptions) fingerprint() string {
	return fmt.Sprintf("ka=%v/%v;recv=%d;ua=%q;bo=%+v",
		o.keepaliveTime, o.keepaliveTimeout, o.maxRecvMsgSize, o.userAgent, o.backoff)
}

// CallOption configures one RPC.
type CallOption interface {
	applyCall(*callOptions) error
}

type callOptions struct {
	authority       string
	deadline        time.Time
	waitForReady    bool
	waitForReadySet bool
}

type callOptionImpl struct {
	fn func(*callOptions) error
}

func (o *callOptionImpl) applyCall(opts *callOptions) error { return o.fn(opts) }

func newCallOption(fn func(*callOptions) error) CallOption {
	return &callOptionImpl{fn: fn}
}

// WithCallAuthority overrides :authority for this call. Highest
// precedence.
func WithCallAuthority(authority string) CallOption {
	return newCallOption(func(o *callOptions) error {
		o.authority = authority
		return nil
	})
}

// WithDeadline sets the call's absolute deadline. It is propagated as
// grpc-timeout and enforced locally.
func WithDeadline(t time.Time) CallOption {
	return newCallOption(func(o *callOptions) error {
		o.deadline = t
		return nil
	})
}

// WithTimeout sets the deadline relative to call creation.
func WithTimeout(d time.Duration) CallOption {
	return newCallOption(func(o *callOptions) error {
		o.deadline = time.Now().Add(d)
		return nil
	})
}

// WithWaitForReady converts transient pick failures into queuing rather
// than failing the call. Overrides the service config default.
func WithWaitForReady(wait bool) CallOption {
	return newCallOption(func(o *callOptions) error {
		o.waitForReady = wait
		o.waitForReadySet = true
		return nil
	})
}

// ServerOption configures a [Server] at creation.
type ServerOption interface {
	applyServer(*serverOptions) error
}

type serverOptions struct {
	logger         *logiface.Logger[logiface.Event]
	maxRecvMsgSize int
	reusePort      bool
}

type serverOptionImpl struct {
	fn func(*serverOptions) error
}

func (o *serverOptionImpl) applyServer(opts *serverOptions) error { return o.fn(opts) }

func newServerOption(fn func(*serverOptions) error) ServerOption {
	return &serverOptionImpl{fn: fn}
}

func resolveServerOptions(opts []ServerOption) (*serverOptions, error) {
	cfg := &serverOptions{
		maxRecvMsgSize: 4 << 20,
		reusePort:      true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyServer(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// WithServerLogger sets the structured logger for server lifecycle
// events. A nil logger disables logging.
func WithServerLogger(l *logiface.Logger[logiface.Event]) ServerOption {
	return newServerOption(func(o *serverOptions) error {
		o.logger = l
		return nil
	})
}

// WithServerMaxReceiveMessageSize caps inbound message size.
func WithServerMaxReceiveMessageSize(n int) ServerOption {
	return newServerOption(func(o *serverOptions) error {
		if n <= 0 {
			return errors.New("grpccore: max receive message size must be positive")
		}
		o.maxRecvMsgSize = n
		return nil
	})
}

// WithReusePort controls SO_REUSEPORT on listening sockets. It defaults
// to enabled, letting multiple servers bind one port with the OS
// distributing connections.
func WithReusePort(enabled bool) ServerOption {
	return newServerOption(func(o *serverOptions) error {
		o.reusePort = enabled
		return nil
	})
}
