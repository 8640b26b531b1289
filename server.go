package grpccore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-grpccore/internal/transport"
)

// PayloadMode controls how a registered method's first inbound message is
// handled.
type PayloadMode int

const (
	// PayloadNone delivers the request call without touching the
	// message stream.
	PayloadNone PayloadMode = iota
	// PayloadReadInitialMessage pre-reads the first inbound message
	// and delivers it with the request-call event.
	PayloadReadInitialMessage
)

// methodKey indexes the registered-method table.
type methodKey struct {
	path string
	host string
}

// RegisteredMethod is one entry in the server's dispatch table, with its
// FIFO of parked inbound streams and posted request-call tags.
type RegisteredMethod struct {
	srv        *Server
	path       string
	host       string
	payload    PayloadMode
	idempotent bool

	// Guarded by srv.mu.
	pending []*transport.ServerStream
	waiting []*requestSlot
}

// Path returns the registered method path.
func (m *RegisteredMethod) Path() string { return m.path }

// Host returns the registered host restriction; empty matches any.
func (m *RegisteredMethod) Host() string { return m.host }

// Idempotent reports the registration's idempotency flag.
func (m *RegisteredMethod) Idempotent() bool { return m.idempotent }

// requestSlot is one application-posted request-call tag.
type requestSlot struct {
	cq  *CompletionQueue
	tag any
	out *RequestedCall
}

// RequestedCall receives the details of a matched inbound call when its
// request-call tag fires with ok=true.
type RequestedCall struct {
	// Call is the materialized server call.
	Call *ServerCall
	// Method is the full :path of the inbound stream.
	Method string
	// Host is the :authority of the inbound stream.
	Host string
	// Peer is the remote address.
	Peer string
	// Deadline is the absolute deadline derived from grpc-timeout;
	// zero means none.
	Deadline time.Time
	// Metadata is the client's initial metadata.
	Metadata metadata.MD
	// Payload is the pre-read first message, for methods registered
	// with [PayloadReadInitialMessage].
	Payload []byte
	// Idempotent echoes the registered method's flag; false for
	// generic calls.
	Idempotent bool
}

// Server accepts inbound transports and pairs each inbound stream with an
// application-posted request-call tag.
type Server struct {
	opts *serverOptions

	mu         sync.Mutex
	cond       *sync.Cond
	methods    map[methodKey]*RegisteredMethod
	generic    *RegisteredMethod
	hasGeneric bool
	cqs        map[*CompletionQueue]struct{}
	listeners  []net.Listener
	transports map[*transport.ServerTransport]struct{}
	started    bool
	stopped    bool
	finished   bool
	doneCh     chan struct{}
}

// NewServer builds a server. Methods, queues, and ports are declared
// before Start.
func NewServer(opts ...ServerOption) (*Server, error) {
	cfg, err := resolveServerOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:       cfg,
		methods:    make(map[methodKey]*RegisteredMethod),
		cqs:        make(map[*CompletionQueue]struct{}),
		transports: make(map[*transport.ServerTransport]struct{}),
		doneCh:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.generic = &RegisteredMethod{srv: s}
	return s, nil
}

// RegisterMethod adds an entry to the dispatch table. An empty host
// matches any authority. Registration fails on duplicates and after
// Start.
func (s *Server) RegisterMethod(path, host string, payload PayloadMode, idempotent bool) (*RegisteredMethod, error) {
	if path == "" {
		return nil, errors.New("grpccore: method path must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, ErrServerStarted
	}
	key := methodKey{path: path, host: host}
	if _, dup := s.methods[key]; dup {
		return nil, fmt.Errorf("grpccore: method %q host %q already registered", path, host)
	}
	m := &RegisteredMethod{srv: s, path: path, host: host, payload: payload, idempotent: idempotent}
	s.methods[key] = m
	return m, nil
}

// RegisterGenericService enables the generic catch-all queue: inbound
// streams that match no registered method pair with tags posted via
// [Server.RequestCall] instead of being rejected.
func (s *Server) RegisterGenericService() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrServerStarted
	}
	s.hasGeneric = true
	return nil
}

// RegisterCompletionQueue attaches a server completion queue. Only
// attached queues may carry request-call tags.
func (s *Server) RegisterCompletionQueue(cq *CompletionQueue) error {
	if cq == nil || !cq.server {
		return errors.New("grpccore: completion queue must be a server completion queue")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrServerStarted
	}
	s.cqs[cq] = struct{}{}
	return nil
}

// AddListeningPort binds a listening socket and returns the bound port.
// With reuse-port enabled (the default) multiple servers may bind the
// same port and the OS distributes connections.
func (s *Server) AddListeningPort(addr string) (int, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return 0, ErrServerStarted
	}
	reuse := s.opts.reusePort
	s.mu.Unlock()

	lc := listenConfig(reuse)
	lis, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("grpccore: bind %s: %w", addr, err)
	}
	_, portStr, err := net.SplitHostPort(lis.Addr().String())
	if err != nil {
		lis.Close()
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		lis.Close()
		return 0, err
	}
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		lis.Close()
		return 0, ErrServerStarted
	}
	s.listeners = append(s.listeners, lis)
	s.mu.Unlock()
	return port, nil
}

// Start begins accepting inbound transports on every bound port.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrServerStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return ErrServerStopped
	}
	s.started = true
	listeners := make([]net.Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, lis := range listeners {
		go s.acceptLoop(lis)
	}
	s.logf(func(l *logiface.Logger[logiface.Event]) {
		l.Info().Int("listeners", len(listeners)).Log("server started")
	})
	return nil
}

func (s *Server) acceptLoop(lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			// Listener closed during shutdown, or a fatal accept
			// error; either way this loop is done.
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	st, err := transport.NewServerTransport(conn, transport.ServerOptions{
		MaxRecvMsgSize: s.opts.maxRecvMsgSize,
		OnDrained: func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		},
	})
	if err != nil {
		s.logf(func(l *logiface.Logger[logiface.Event]) {
			l.Warning().Err(err).Log("server handshake failed")
		})
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		st.Close(ErrServerStopped)
		return
	}
	s.transports[st] = struct{}{}
	s.mu.Unlock()

	st.HandleStreams(func(stream *transport.ServerStream) { s.dispatch(st, stream) })

	s.mu.Lock()
	delete(s.transports, st)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// dispatch classifies one inbound stream: exact (path, host), then
// (path, any host), then the generic queue, and otherwise UNIMPLEMENTED.
// It must not block; unmatched-but-routable streams park FIFO until a
// request-call tag arrives.
func (s *Server) dispatch(_ *transport.ServerTransport, stream *transport.ServerStream) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		stream.Cancel(status.New(codes.Unavailable, "server shutting down"))
		return
	}
	m, ok := s.methods[methodKey{path: stream.Method(), host: stream.Authority()}]
	if !ok {
		m, ok = s.methods[methodKey{path: stream.Method()}]
	}
	if !ok {
		if s.hasGeneric {
			m = s.generic
		} else {
			s.mu.Unlock()
			stream.WriteStatus(status.Newf(codes.Unimplemented, "unknown method %s", stream.Method()), nil, func(error) {})
			return
		}
	}
	if len(m.waiting) > 0 {
		slot := m.waiting[0]
		m.waiting = m.waiting[1:]
		s.mu.Unlock()
		s.pair(m, slot, stream)
		return
	}
	m.pending = append(m.pending, stream)
	s.mu.Unlock()
}

// RequestRegisteredCall posts a request-call tag for a registered method.
// When an inbound stream pairs with it, out is populated and the tag
// fires on cq with ok=true.
func (s *Server) RequestRegisteredCall(m *RegisteredMethod, cq *CompletionQueue, tag any, out *RequestedCall) error {
	if m == nil || m.srv != s || m == s.generic {
		return errors.New("grpccore: method not registered with this server")
	}
	return s.requestCall(m, cq, tag, out)
}

// RequestCall posts a generic request-call tag, matching inbound streams
// that hit no registered method. Requires RegisterGenericService.
func (s *Server) RequestCall(cq *CompletionQueue, tag any, out *RequestedCall) error {
	s.mu.Lock()
	enabled := s.hasGeneric
	s.mu.Unlock()
	if !enabled {
		return errors.New("grpccore: no generic service registered")
	}
	return s.requestCall(s.generic, cq, tag, out)
}

func (s *Server) requestCall(m *RegisteredMethod, cq *CompletionQueue, tag any, out *RequestedCall) error {
	s.mu.Lock()
	if _, ok := s.cqs[cq]; !ok {
		s.mu.Unlock()
		return errors.New("grpccore: completion queue not registered with this server")
	}
	if s.stopped {
		s.mu.Unlock()
		return ErrServerStopped
	}
	s.mu.Unlock()
	if err := cq.reserve(); err != nil {
		return err
	}
	slot := &requestSlot{cq: cq, tag: tag, out: out}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cq.enqueue(tag, false)
		return nil
	}
	if len(m.pending) > 0 {
		stream := m.pending[0]
		m.pending = m.pending[1:]
		s.mu.Unlock()
		s.pair(m, slot, stream)
		return nil
	}
	m.waiting = append(m.waiting, slot)
	s.mu.Unlock()
	return nil
}

// pair materializes a server call from a parked stream and a posted tag.
func (s *Server) pair(m *RegisteredMethod, slot *requestSlot, stream *transport.ServerStream) {
	call := newServerCall(s, stream, slot.cq)
	if slot.out != nil {
		slot.out.Call = call
		slot.out.Method = stream.Method()
		slot.out.Host = stream.Authority()
		slot.out.Peer = stream.Peer()
		slot.out.Metadata = stream.Metadata()
		slot.out.Idempotent = m.idempotent
		if d, ok := stream.Timeout(); ok {
			slot.out.Deadline = time.Now().Add(d)
		}
	}
	call.arm()
	if m.payload == PayloadReadInitialMessage {
		stream.RecvMessage(func(data []byte, err error) {
			if err != nil {
				slot.cq.enqueue(slot.tag, false)
				return
			}
			if slot.out != nil {
				slot.out.Payload = data
			}
			slot.cq.enqueue(slot.tag, true)
		})
		return
	}
	slot.cq.enqueue(slot.tag, true)
}

// ShutdownAndNotify begins shutdown and posts tag on cq once every
// outstanding call has completed.
func (s *Server) ShutdownAndNotify(cq *CompletionQueue, tag any) error {
	if err := cq.reserve(); err != nil {
		return err
	}
	s.beginShutdown()
	go func() {
		s.waitDrained(context.Background())
		s.finishShutdown()
		cq.enqueue(tag, true)
	}()
	return nil
}

// Shutdown stops accepting new streams, sends GOAWAY on live transports,
// and waits for outstanding calls until ctx expires, after which the
// remainder are cancelled.
func (s *Server) Shutdown(ctx context.Context) {
	s.beginShutdown()
	s.waitDrained(ctx)
	s.finishShutdown()
}

func (s *Server) beginShutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	listeners := s.listeners
	s.listeners = nil
	transports := make([]*transport.ServerTransport, 0, len(s.transports))
	for t := range s.transports {
		transports = append(transports, t)
	}
	// Request-call tags that will never pair fire with ok=false so
	// their queues can drain.
	var slots []*requestSlot
	var orphans []*transport.ServerStream
	flush := func(m *RegisteredMethod) {
		slots = append(slots, m.waiting...)
		m.waiting = nil
		orphans = append(orphans, m.pending...)
		m.pending = nil
	}
	for _, m := range s.methods {
		flush(m)
	}
	flush(s.generic)
	s.mu.Unlock()

	for _, lis := range listeners {
		lis.Close()
	}
	for _, slot := range slots {
		slot.cq.enqueue(slot.tag, false)
	}
	st := status.New(codes.Unavailable, "server shutting down")
	for _, stream := range orphans {
		stream.Cancel(st)
	}
	for _, t := range transports {
		t.Drain()
	}
	s.logf(func(l *logiface.Logger[logiface.Event]) {
		l.Info().Log("server shutdown initiated")
	})
}

// waitDrained blocks until every live transport has no streams, or ctx
// expires.
func (s *Server) waitDrained(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.allIdleLocked() && ctx.Err() == nil {
		s.cond.Wait()
	}
}

func (s *Server) allIdleLocked() bool {
	for t := range s.transports {
		if t.NumStreams() > 0 {
			return false
		}
	}
	return true
}

// finishShutdown force-closes whatever remains and marks the server
// fully stopped.
func (s *Server) finishShutdown() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	transports := make([]*transport.ServerTransport, 0, len(s.transports))
	for t := range s.transports {
		transports = append(transports, t)
	}
	s.mu.Unlock()
	for _, t := range transports {
		t.Close(ErrServerStopped)
	}
	close(s.doneCh)
	s.logf(func(l *logiface.Logger[logiface.Event]) {
		l.Info().Log("server stopped")
	})
}

// Wait blocks until shutdown has fully completed.
func (s *Server) Wait() {
	<-s.doneCh
}

func (s *Server) logf(fn func(*logiface.Logger[logiface.Event])) {
	if l := s.opts.logger; l != nil {
		fn(l)
	}
}
