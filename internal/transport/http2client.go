package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-grpccore/internal/grpcutil"
)

// ClientOptions configures a client transport.
type ClientOptions struct {
	// KeepaliveTime, when positive, enables PING-based keepalive at the
	// given interval.
	KeepaliveTime time.Duration
	// KeepaliveTimeout bounds the wait for a PING ack.
	KeepaliveTimeout time.Duration
	// MaxRecvMsgSize caps a single inbound message; 0 means the
	// default.
	MaxRecvMsgSize int
	// UserAgent is prefixed to the user-agent header.
	UserAgent string
	// OnGoAway fires once when the peer starts draining the
	// connection.
	OnGoAway func()
	// OnClose fires once when the transport dies, with the cause.
	OnClose func(error)
}

// ClientTransport multiplexes client streams over one HTTP/2 connection.
type ClientTransport struct {
	addr string
	conn net.Conn
	fr   *http2.Framer
	w    *writer
	opts ClientOptions

	mu       sync.Mutex
	streams  map[uint32]*ClientStream
	nextID   uint32
	draining bool
	closed   bool
	closeErr error

	// inbound flow-control accounting.
	connUnacked int
	// peerInitWindow is the peer's SETTINGS_INITIAL_WINDOW_SIZE; zero
	// means the HTTP/2 default has not been overridden yet.
	peerInitWindow int64

	// keepalive.
	pingOutstanding bool
	pingSentAt      time.Time
	lastRead        time.Time

	closeOnce sync.Once
}

// DialClient establishes a client transport to addr. The context bounds
// only the dial and handshake write.
func DialClient(ctx context.Context, addr string, opts ClientOptions) (*ClientTransport, error) {
	if opts.MaxRecvMsgSize <= 0 {
		opts.MaxRecvMsgSize = defaultMaxRecvMsgSize
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	bw := bufio.NewWriterSize(conn, 32<<10)
	fr := http2.NewFramer(bw, bufio.NewReaderSize(conn, 32<<10))
	fr.ReadMetaHeaders = newHPACKDecoder()
	fr.MaxHeaderListSize = maxHeaderListSize

	t := &ClientTransport{
		addr:     addr,
		conn:     conn,
		fr:       fr,
		opts:     opts,
		streams:  make(map[uint32]*ClientStream),
		nextID:   1,
		lastRead: time.Now(),
	}
	t.w = newWriter(fr, bw.Flush, func(err error) { t.Close(err) })

	// Handshake: preface, settings, and a connection window bump, sent
	// before the writer goroutine starts so nothing can interleave.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := bw.WriteString(http2.ClientPreface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: preface to %s: %w", addr, err)
	}
	if err := fr.WriteSettings(
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: defaultWindowSize},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: maxHeaderListSize},
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: settings to %s: %w", addr, err)
	}
	if err := fr.WriteWindowUpdate(0, defaultWindowSize-initialWindowSize); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: window update to %s: %w", addr, err)
	}
	if err := bw.Flush(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: handshake flush to %s: %w", addr, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	go t.w.run()
	go t.reader()
	if opts.KeepaliveTime > 0 {
		go t.keepalive()
	}
	return t, nil
}

// Addr returns the remote address the transport was dialed with.
func (t *ClientTransport) Addr() string { return t.addr }

// Draining reports whether the peer has sent GOAWAY.
func (t *ClientTransport) Draining() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draining
}

// ClientStream is one outbound RPC stream.
type ClientStream struct {
	t   *ClientTransport
	out *outStream
	hdr CallHdr

	recvBuf   recvBuffer
	assembler msgAssembler

	mu            sync.Mutex
	id            uint32
	headersSent   bool
	headersRecv   bool
	headerMD      metadata.MD
	headerWaiter  func(metadata.MD, error)
	done          bool
	doneStatus    *status.Status
	trailerMD     metadata.MD
	trailerWaiter func(*status.Status, metadata.MD)
	unacked       int
}

// NewStream creates a stream handle. The stream is assigned an ID and
// registered when its headers are written.
func (t *ClientTransport) NewStream(hdr *CallHdr) (*ClientStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, t.closeErr
	}
	if t.draining {
		return nil, ErrConnDraining
	}
	cs := &ClientStream{t: t, out: &outStream{quota: t.peerInitialWindow()}, hdr: *hdr}
	cs.assembler.maxMsgSize = t.opts.MaxRecvMsgSize
	return cs, nil
}

// WriteHeaders sends the request header block, opening the stream on the
// wire. onDone fires once the block is accepted by the transport.
func (cs *ClientStream) WriteHeaders(md metadata.MD, onDone func(error)) {
	t := cs.t
	cs.mu.Lock()
	if cs.headersSent {
		cs.mu.Unlock()
		onDone(ErrStreamDone)
		return
	}
	cs.headersSent = true
	cs.mu.Unlock()
	// refused records a rejection that happened before the block hit
	// the wire; it must not be reported as a framer failure.
	var refused error
	t.w.enqueueCtrl(ctrlItem{
		write: func(fr *http2.Framer, enc *headerEncoder) error {
			t.mu.Lock()
			if t.draining || t.closed {
				refused = t.closeErr
				if refused == nil {
					refused = ErrConnDraining
				}
				t.mu.Unlock()
				return nil
			}
			id := t.nextID
			t.nextID += 2
			cs.mu.Lock()
			cs.id = id
			cs.mu.Unlock()
			cs.out.id = id
			t.streams[id] = cs
			t.mu.Unlock()

			enc.reset()
			enc.add(":method", "POST")
			enc.add(":scheme", "http")
			enc.add(":path", cs.hdr.Method)
			enc.add(":authority", cs.hdr.Authority)
			enc.add("content-type", "application/grpc")
			enc.add("user-agent", userAgent(t.opts.UserAgent))
			enc.add("te", "trailers")
			if cs.hdr.Timeout > 0 {
				enc.add("grpc-timeout", grpcutil.EncodeTimeout(cs.hdr.Timeout))
			}
			enc.appendMetadata(md)
			return writeHeaderBlock(fr, id, enc.bytes(), false, t.w.frameCap())
		},
		onDone: func(err error) {
			if refused != nil {
				onDone(refused)
				st := statusFromError(refused)
				cs.t.finishStream(cs, st, nil, refused, false, 0)
				return
			}
			if err != nil {
				// The block never made it out (writer closed or
				// framer failure); the stream must still reach a
				// terminal state for its waiters.
				onDone(err)
				st := statusFromError(err)
				cs.t.finishStream(cs, st, nil, st.Err(), false, 0)
				return
			}
			onDone(nil)
		},
	})
}

// statusFromError extracts a status, defaulting to UNAVAILABLE for plain
// transport errors.
func statusFromError(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	return status.New(codes.Unavailable, err.Error())
}

// WriteMessage sends one gRPC-framed message. onDone fires when the full
// message has been accepted by the transport (flow control permitting).
func (cs *ClientStream) WriteMessage(data []byte, onDone func(error)) {
	cs.t.w.enqueueStream(cs.out, &streamItem{data: frameMessage(data), onDone: onDone})
}

// CloseSend half-closes the outbound direction after all queued messages.
func (cs *ClientStream) CloseSend(onDone func(error)) {
	cs.t.w.enqueueStream(cs.out, &streamItem{endStream: true, onDone: onDone})
}

// RecvHeaders registers a one-shot callback for the server's initial
// metadata. On a trailers-only response or stream failure it fires with
// nil metadata and no error; the status is reported via RecvTrailers.
func (cs *ClientStream) RecvHeaders(cb func(metadata.MD, error)) {
	cs.mu.Lock()
	if cs.headersRecv || cs.done {
		md := cs.headerMD
		cs.mu.Unlock()
		cb(md, nil)
		return
	}
	if cs.headerWaiter != nil {
		panic("transport: RecvHeaders called with existing waiter")
	}
	cs.headerWaiter = cb
	cs.mu.Unlock()
}

// RecvMessage registers a one-shot callback for the next inbound message.
func (cs *ClientStream) RecvMessage(cb func([]byte, error)) {
	cs.recvBuf.recv(cb)
}

// RecvTrailers registers a one-shot callback for the call status and
// trailing metadata. It always fires exactly once, whether the call ends
// gracefully, is reset, or the transport dies.
func (cs *ClientStream) RecvTrailers(cb func(*status.Status, metadata.MD)) {
	cs.mu.Lock()
	if cs.done {
		st, md := cs.doneStatus, cs.trailerMD
		cs.mu.Unlock()
		cb(st, md)
		return
	}
	if cs.trailerWaiter != nil {
		panic("transport: RecvTrailers called with existing waiter")
	}
	cs.trailerWaiter = cb
	cs.mu.Unlock()
}

// Cancel terminates the stream locally with st and resets it on the wire.
func (cs *ClientStream) Cancel(st *status.Status) {
	cs.t.finishStream(cs, st, nil, st.Err(), true, http2.ErrCodeCancel)
}

// finishStream completes a stream exactly once: it fires pending waiters,
// closes the recv buffer, fails queued writes, and optionally resets the
// stream on the wire.
func (t *ClientTransport) finishStream(cs *ClientStream, st *status.Status, trailerMD metadata.MD, recvErr error, sendRST bool, rstCode http2.ErrCode) {
	cs.mu.Lock()
	if cs.done {
		cs.mu.Unlock()
		return
	}
	cs.done = true
	cs.doneStatus = st
	cs.trailerMD = trailerMD
	hw := cs.headerWaiter
	cs.headerWaiter = nil
	hmd := cs.headerMD
	tw := cs.trailerWaiter
	cs.trailerWaiter = nil
	id := cs.id
	cs.mu.Unlock()

	t.mu.Lock()
	if id != 0 {
		delete(t.streams, id)
	}
	t.mu.Unlock()

	t.w.resetStream(cs.out, ErrStreamDone)
	if sendRST && id != 0 {
		t.w.enqueueCtrl(ctrlItem{write: func(fr *http2.Framer, _ *headerEncoder) error {
			return fr.WriteRSTStream(id, rstCode)
		}})
	}
	cs.recvBuf.close(recvErr)
	if hw != nil {
		hw(hmd, nil)
	}
	if tw != nil {
		tw(st, trailerMD)
	}
}

// reader owns all frame reads for the connection.
func (t *ClientTransport) reader() {
	for {
		frame, err := t.fr.ReadFrame()
		if err != nil {
			t.Close(connectionError(t.addr, err).Err())
			return
		}
		t.mu.Lock()
		t.lastRead = time.Now()
		t.mu.Unlock()
		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			t.handleHeaders(f)
		case *http2.DataFrame:
			t.handleData(f)
		case *http2.RSTStreamFrame:
			if cs := t.lookup(f.StreamID); cs != nil {
				st := statusFromRSTCode(f.ErrCode)
				t.finishStream(cs, st, nil, st.Err(), false, 0)
			}
		case *http2.SettingsFrame:
			t.handleSettings(f)
		case *http2.PingFrame:
			t.handlePing(f)
		case *http2.GoAwayFrame:
			t.handleGoAway(f)
		case *http2.WindowUpdateFrame:
			t.handleWindowUpdate(f)
		}
	}
}

func (t *ClientTransport) lookup(id uint32) *ClientStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[id]
}

func (t *ClientTransport) handleHeaders(f *http2.MetaHeadersFrame) {
	cs := t.lookup(f.StreamID)
	if cs == nil {
		return
	}
	p := decodeHeaderFields(f.Fields)
	if p.parseErr != nil {
		st := status.Newf(codes.Internal, "transport: malformed response headers: %v", p.parseErr)
		t.finishStream(cs, st, nil, st.Err(), true, http2.ErrCodeProtocol)
		return
	}

	cs.mu.Lock()
	first := !cs.headersRecv
	cs.mu.Unlock()

	if first && p.grpcStatus == nil && !f.StreamEnded() {
		// Plain response headers.
		if p.httpStatus != "200" || validateContentType(p.contentType) != nil {
			st := status.Newf(codes.Internal, "transport: unexpected response headers: status %q content-type %q", p.httpStatus, p.contentType)
			t.finishStream(cs, st, nil, st.Err(), true, http2.ErrCodeProtocol)
			return
		}
		cs.mu.Lock()
		cs.headersRecv = true
		cs.headerMD = p.md
		hw := cs.headerWaiter
		cs.headerWaiter = nil
		cs.mu.Unlock()
		if hw != nil {
			hw(p.md, nil)
		}
		return
	}

	// Trailers, or a trailers-only response.
	if !f.StreamEnded() {
		st := status.New(codes.Internal, "transport: trailers without END_STREAM")
		t.finishStream(cs, st, nil, st.Err(), true, http2.ErrCodeProtocol)
		return
	}
	if cs.assemblerIncomplete() {
		st := status.New(codes.Internal, "transport: stream ended mid-message")
		t.finishStream(cs, st, nil, st.Err(), false, 0)
		return
	}
	st := p.trailerStatus()
	// Graceful end: buffered messages stay readable, then EOF.
	t.finishStream(cs, st, p.md, nil, false, 0)
}

func (cs *ClientStream) assemblerIncomplete() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.assembler.incomplete()
}

func (t *ClientTransport) handleData(f *http2.DataFrame) {
	if n := int(f.Header().Length); n > 0 {
		t.replenishConn(n)
	}
	cs := t.lookup(f.StreamID)
	if cs == nil {
		return
	}
	cs.mu.Lock()
	msgs, err := cs.assembler.push(f.Data())
	cs.unacked += int(f.Header().Length)
	replenish := 0
	if cs.unacked >= defaultWindowSize/4 {
		replenish = cs.unacked
		cs.unacked = 0
	}
	cs.mu.Unlock()
	if replenish > 0 {
		id := f.StreamID
		t.w.enqueueCtrl(ctrlItem{write: func(fr *http2.Framer, _ *headerEncoder) error {
			return fr.WriteWindowUpdate(id, uint32(replenish))
		}})
	}
	for _, m := range msgs {
		cs.recvBuf.put(m)
	}
	if err != nil {
		st := status.Convert(err)
		t.finishStream(cs, st, nil, err, true, http2.ErrCodeCancel)
		return
	}
	if f.StreamEnded() {
		st := status.New(codes.Internal, "transport: stream ended without trailers")
		t.finishStream(cs, st, nil, st.Err(), false, 0)
	}
}

// replenishConn accounts inbound connection window and tops it up.
func (t *ClientTransport) replenishConn(n int) {
	t.mu.Lock()
	t.connUnacked += n
	update := 0
	if t.connUnacked >= defaultWindowSize/4 {
		update = t.connUnacked
		t.connUnacked = 0
	}
	t.mu.Unlock()
	if update > 0 {
		t.w.enqueueCtrl(ctrlItem{write: func(fr *http2.Framer, _ *headerEncoder) error {
			return fr.WriteWindowUpdate(0, uint32(update))
		}})
	}
}

func (t *ClientTransport) handleSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	if v, ok := f.Value(http2.SettingMaxFrameSize); ok {
		t.w.setMaxFrameSize(v)
	}
	if v, ok := f.Value(http2.SettingInitialWindowSize); ok {
		t.applyInitialWindow(int64(v))
	}
	t.w.enqueueCtrl(ctrlItem{write: func(fr *http2.Framer, _ *headerEncoder) error {
		return fr.WriteSettingsAck()
	}})
}

// applyInitialWindow adjusts every live stream's send quota by the delta
// between the new and previous initial window size.
func (t *ClientTransport) applyInitialWindow(newSize int64) {
	t.mu.Lock()
	delta := newSize - t.peerInitialWindow()
	t.peerInitWindow = newSize
	streams := make([]*ClientStream, 0, len(t.streams))
	for _, cs := range t.streams {
		streams = append(streams, cs)
	}
	t.mu.Unlock()
	for _, cs := range streams {
		t.w.addStreamQuota(cs.out, delta)
	}
}

func (t *ClientTransport) peerInitialWindow() int64 {
	if t.peerInitWindow == 0 {
		return initialWindowSize
	}
	return t.peerInitWindow
}

func (t *ClientTransport) handlePing(f *http2.PingFrame) {
	if f.IsAck() {
		t.mu.Lock()
		t.pingOutstanding = false
		t.mu.Unlock()
		return
	}
	data := f.Data
	t.w.enqueueCtrl(ctrlItem{write: func(fr *http2.Framer, _ *headerEncoder) error {
		return fr.WritePing(true, data)
	}})
}

func (t *ClientTransport) handleGoAway(f *http2.GoAwayFrame) {
	t.mu.Lock()
	already := t.draining
	t.draining = true
	var orphans []*ClientStream
	for id, cs := range t.streams {
		if id > f.LastStreamID {
			orphans = append(orphans, cs)
		}
	}
	t.mu.Unlock()
	st := status.Newf(codes.Unavailable, "transport: stream refused by GOAWAY (%v)", f.ErrCode)
	for _, cs := range orphans {
		t.finishStream(cs, st, nil, st.Err(), false, 0)
	}
	if !already && t.opts.OnGoAway != nil {
		t.opts.OnGoAway()
	}
}

func (t *ClientTransport) handleWindowUpdate(f *http2.WindowUpdateFrame) {
	if f.StreamID == 0 {
		t.w.addConnQuota(int64(f.Increment))
		return
	}
	if cs := t.lookup(f.StreamID); cs != nil {
		t.w.addStreamQuota(cs.out, int64(f.Increment))
	}
}

// keepalive sends PINGs on an idle-agnostic interval and closes the
// transport when an ack does not arrive in time.
func (t *ClientTransport) keepalive() {
	interval := t.opts.KeepaliveTime
	timeout := t.opts.KeepaliveTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		if t.pingOutstanding && time.Since(t.pingSentAt) > timeout {
			t.mu.Unlock()
			t.Close(status.Errorf(codes.Unavailable, "transport: keepalive ping timeout to %s", t.addr).Err())
			return
		}
		if !t.pingOutstanding {
			t.pingOutstanding = true
			t.pingSentAt = time.Now()
			t.mu.Unlock()
			t.w.enqueueCtrl(ctrlItem{write: func(fr *http2.Framer, _ *headerEncoder) error {
				return fr.WritePing(false, [8]byte{})
			}})
			continue
		}
		t.mu.Unlock()
	}
}

// Close tears down the transport. All live streams finish with an
// UNAVAILABLE status chaining err.
func (t *ClientTransport) Close(err error) {
	t.closeOnce.Do(func() {
		if err == nil {
			err = ErrConnClosing
		}
		t.mu.Lock()
		t.closed = true
		t.closeErr = err
		streams := make([]*ClientStream, 0, len(t.streams))
		for _, cs := range t.streams {
			streams = append(streams, cs)
		}
		t.streams = make(map[uint32]*ClientStream)
		t.mu.Unlock()

		t.w.close(err)
		t.conn.Close()
		st := connectionError(t.addr, err)
		for _, cs := range streams {
			t.finishStream(cs, st, nil, st.Err(), false, 0)
		}
		if t.opts.OnClose != nil {
			t.opts.OnClose(err)
		}
	})
}
