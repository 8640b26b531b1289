package transport

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-grpccore/internal/grpcutil"
)

// ServerOptions configures a server transport.
type ServerOptions struct {
	// MaxRecvMsgSize caps a single inbound message; 0 means the
	// default.
	MaxRecvMsgSize int
	// OnDrained fires once when the transport is draining and the last
	// stream has finished.
	OnDrained func()
}

// ServerTransport owns one accepted HTTP/2 connection.
type ServerTransport struct {
	conn net.Conn
	fr   *http2.Framer
	w    *writer
	opts ServerOptions

	mu             sync.Mutex
	streams        map[uint32]*ServerStream
	maxStreamID    uint32
	draining       bool
	drainNotified  bool
	closed         bool
	closeErr       error
	connUnacked    int
	peerInitWindow int64
	handle         func(*ServerStream)

	closeOnce sync.Once
	readerDone chan struct{}
}

// NewServerTransport performs the server side of the HTTP/2 handshake on
// an accepted connection.
func NewServerTransport(conn net.Conn, opts ServerOptions) (*ServerTransport, error) {
	if opts.MaxRecvMsgSize <= 0 {
		opts.MaxRecvMsgSize = defaultMaxRecvMsgSize
	}
	br := bufio.NewReaderSize(conn, 32<<10)
	bw := bufio.NewWriterSize(conn, 32<<10)

	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(br, preface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: reading client preface: %w", err)
	}
	if string(preface) != http2.ClientPreface {
		conn.Close()
		return nil, fmt.Errorf("transport: invalid client preface from %s", conn.RemoteAddr())
	}

	fr := http2.NewFramer(bw, br)
	fr.ReadMetaHeaders = newHPACKDecoder()
	fr.MaxHeaderListSize = maxHeaderListSize

	t := &ServerTransport{
		conn:       conn,
		fr:         fr,
		opts:       opts,
		streams:    make(map[uint32]*ServerStream),
		readerDone: make(chan struct{}),
	}
	t.w = newWriter(fr, bw.Flush, func(err error) { t.Close(err) })

	if err := fr.WriteSettings(
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: defaultWindowSize},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: maxHeaderListSize},
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: settings to %s: %w", conn.RemoteAddr(), err)
	}
	if err := fr.WriteWindowUpdate(0, defaultWindowSize-initialWindowSize); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: window update to %s: %w", conn.RemoteAddr(), err)
	}
	if err := bw.Flush(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: handshake flush to %s: %w", conn.RemoteAddr(), err)
	}
	go t.w.run()
	return t, nil
}

// RemoteAddr returns the peer address.
func (t *ServerTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

// HandleStreams runs the read loop, invoking handle for each new inbound
// stream. handle must not block. HandleStreams returns when the
// connection dies.
func (t *ServerTransport) HandleStreams(handle func(*ServerStream)) {
	t.mu.Lock()
	t.handle = handle
	t.mu.Unlock()
	t.reader()
}

// ServerStream is one inbound RPC stream.
type ServerStream struct {
	t   *ServerTransport
	out *outStream

	id         uint32
	method     string
	authority  string
	md         metadata.MD
	timeout    time.Duration
	timeoutSet bool
	peer       string

	recvBuf   recvBuffer
	assembler msgAssembler

	mu          sync.Mutex
	headersSent bool
	done        bool
	cancelled   bool
	doneWaiter  func(cancelled bool)
	unacked     int
}

// Method returns the full method path from :path.
func (ss *ServerStream) Method() string { return ss.method }

// Authority returns the :authority pseudo-header value.
func (ss *ServerStream) Authority() string { return ss.authority }

// Metadata returns the request's application metadata.
func (ss *ServerStream) Metadata() metadata.MD { return ss.md }

// Timeout returns the decoded grpc-timeout, if the client sent one.
func (ss *ServerStream) Timeout() (time.Duration, bool) { return ss.timeout, ss.timeoutSet }

// Peer returns the remote address.
func (ss *ServerStream) Peer() string { return ss.peer }

// RecvMessage registers a one-shot callback for the next inbound message.
func (ss *ServerStream) RecvMessage(cb func([]byte, error)) {
	ss.recvBuf.recv(cb)
}

// OnDone registers a one-shot callback fired when the stream terminates:
// cancelled=false after a successfully sent status, true on client
// cancellation, transport failure, or local cancel.
func (ss *ServerStream) OnDone(cb func(cancelled bool)) {
	ss.mu.Lock()
	if ss.done {
		cancelled := ss.cancelled
		ss.mu.Unlock()
		cb(cancelled)
		return
	}
	if ss.doneWaiter != nil {
		panic("transport: OnDone called with existing waiter")
	}
	ss.doneWaiter = cb
	ss.mu.Unlock()
}

// WriteHeaders sends the response header block. At most once.
func (ss *ServerStream) WriteHeaders(md metadata.MD, onDone func(error)) {
	ss.mu.Lock()
	if ss.headersSent || ss.done {
		ss.mu.Unlock()
		onDone(ErrStreamDone)
		return
	}
	ss.headersSent = true
	ss.mu.Unlock()
	t := ss.t
	id := ss.id
	t.w.enqueueCtrl(ctrlItem{
		write: func(fr *http2.Framer, enc *headerEncoder) error {
			enc.reset()
			enc.add(":status", "200")
			enc.add("content-type", "application/grpc")
			enc.appendMetadata(md)
			return writeHeaderBlock(fr, id, enc.bytes(), false, t.w.frameCap())
		},
		onDone: onDone,
	})
}

// WriteMessage sends one gRPC-framed message. The engine guarantees
// headers were sent first.
func (ss *ServerStream) WriteMessage(data []byte, onDone func(error)) {
	ss.t.w.enqueueStream(ss.out, &streamItem{data: frameMessage(data), onDone: onDone})
}

// WriteStatus sends the trailers carrying st plus md and closes the
// outbound direction. If no headers were sent, the response collapses to
// trailers-only. At most once; the stream is done once it completes.
func (ss *ServerStream) WriteStatus(st *status.Status, md metadata.MD, onDone func(error)) {
	ss.mu.Lock()
	if ss.done {
		ss.mu.Unlock()
		onDone(ErrStreamDone)
		return
	}
	trailersOnly := !ss.headersSent
	ss.headersSent = true
	ss.mu.Unlock()

	t := ss.t
	writeTrailers := func(enc *headerEncoder) {
		enc.reset()
		if trailersOnly {
			enc.add(":status", "200")
			enc.add("content-type", "application/grpc")
		}
		enc.add("grpc-status", strconv.Itoa(int(st.Code())))
		if m := st.Message(); m != "" {
			enc.add("grpc-message", grpcutil.EncodeGrpcMessage(m))
		}
		enc.appendMetadata(md)
	}
	done := func(err error) {
		if err == nil {
			t.finishStream(ss, false, nil, false, 0)
		}
		onDone(err)
	}
	if trailersOnly {
		id := ss.id
		t.w.enqueueCtrl(ctrlItem{
			write: func(fr *http2.Framer, enc *headerEncoder) error {
				writeTrailers(enc)
				return writeHeaderBlock(fr, id, enc.bytes(), true, t.w.frameCap())
			},
			onDone: done,
		})
		return
	}
	// Ordered behind any queued response messages.
	t.w.enqueueStream(ss.out, &streamItem{trailers: writeTrailers, onDone: done})
}

// Cancel terminates the stream locally and resets it on the wire.
func (ss *ServerStream) Cancel(st *status.Status) {
	code := http2.ErrCodeCancel
	if st != nil && st.Code() == codes.Internal {
		code = http2.ErrCodeInternal
	}
	var err error = ErrStreamDone
	if st != nil {
		err = st.Err()
	}
	ss.t.finishStream(ss, true, err, true, code)
}

// finishStream completes a stream exactly once.
func (t *ServerTransport) finishStream(ss *ServerStream, cancelled bool, recvErr error, sendRST bool, rstCode http2.ErrCode) {
	ss.mu.Lock()
	if ss.done {
		ss.mu.Unlock()
		return
	}
	ss.done = true
	ss.cancelled = cancelled
	dw := ss.doneWaiter
	ss.doneWaiter = nil
	ss.mu.Unlock()

	t.mu.Lock()
	delete(t.streams, ss.id)
	notifyDrained := t.draining && len(t.streams) == 0 && !t.drainNotified
	if notifyDrained {
		t.drainNotified = true
	}
	t.mu.Unlock()

	if cancelled {
		t.w.resetStream(ss.out, ErrStreamDone)
		if recvErr == nil {
			recvErr = status.Error(codes.Canceled, "stream cancelled")
		}
		ss.recvBuf.close(recvErr)
	}
	if sendRST {
		id := ss.id
		t.w.enqueueCtrl(ctrlItem{write: func(fr *http2.Framer, _ *headerEncoder) error {
			return fr.WriteRSTStream(id, rstCode)
		}})
	}
	if dw != nil {
		dw(cancelled)
	}
	if notifyDrained && t.opts.OnDrained != nil {
		t.opts.OnDrained()
	}
}

func (t *ServerTransport) reader() {
	defer close(t.readerDone)
	for {
		frame, err := t.fr.ReadFrame()
		if err != nil {
			t.Close(err)
			return
		}
		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			t.handleHeaders(f)
		case *http2.DataFrame:
			t.handleData(f)
		case *http2.RSTStreamFrame:
			if ss := t.lookup(f.StreamID); ss != nil {
				t.finishStream(ss, true, statusFromRSTCode(f.ErrCode).Err(), false, 0)
			}
		case *http2.SettingsFrame:
			t.handleSettings(f)
		case *http2.PingFrame:
			t.handlePing(f)
		case *http2.WindowUpdateFrame:
			t.handleWindowUpdate(f)
		case *http2.GoAwayFrame:
			// Client-initiated GOAWAY: keep serving live streams.
		}
	}
}

func (t *ServerTransport) lookup(id uint32) *ServerStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[id]
}

// httpError responds to a malformed request with a bare HTTP status.
func (t *ServerTransport) httpError(streamID uint32, httpStatus string, endStream bool) {
	t.w.enqueueCtrl(ctrlItem{write: func(fr *http2.Framer, enc *headerEncoder) error {
		enc.reset()
		enc.add(":status", httpStatus)
		return writeHeaderBlock(fr, streamID, enc.bytes(), true, t.w.frameCap())
	}})
	if !endStream {
		t.w.enqueueCtrl(ctrlItem{write: func(fr *http2.Framer, _ *headerEncoder) error {
			return fr.WriteRSTStream(streamID, http2.ErrCodeNo)
		}})
	}
}

func (t *ServerTransport) handleHeaders(f *http2.MetaHeadersFrame) {
	id := f.StreamID
	t.mu.Lock()
	if t.closed || t.draining || id <= t.maxStreamID {
		draining := t.draining
		t.mu.Unlock()
		if draining {
			t.w.enqueueCtrl(ctrlItem{write: func(fr *http2.Framer, _ *headerEncoder) error {
				return fr.WriteRSTStream(id, http2.ErrCodeRefusedStream)
			}})
		}
		return
	}
	t.maxStreamID = id
	handle := t.handle
	t.mu.Unlock()

	p := decodeHeaderFields(f.Fields)
	switch {
	case p.parseErr != nil, p.path == "", p.method == "":
		t.httpError(id, "400", f.StreamEnded())
		return
	case p.method != "POST":
		t.httpError(id, "405", f.StreamEnded())
		return
	case validateContentType(p.contentType) != nil:
		t.httpError(id, "415", f.StreamEnded())
		return
	}

	ss := &ServerStream{
		t:          t,
		out:        &outStream{id: id},
		id:         id,
		method:     p.path,
		authority:  p.authority,
		md:         p.md,
		timeout:    p.timeout,
		timeoutSet: p.timeoutSet,
		peer:       t.conn.RemoteAddr().String(),
	}
	t.mu.Lock()
	ss.out.quota = t.peerInitialWindowLocked()
	t.streams[id] = ss
	t.mu.Unlock()
	ss.assembler.maxMsgSize = t.opts.MaxRecvMsgSize
	if f.StreamEnded() {
		ss.recvBuf.close(nil)
	}
	if handle != nil {
		handle(ss)
	}
}

func (t *ServerTransport) handleData(f *http2.DataFrame) {
	if n := int(f.Header().Length); n > 0 {
		t.replenishConn(n)
	}
	ss := t.lookup(f.StreamID)
	if ss == nil {
		return
	}
	ss.mu.Lock()
	msgs, err := ss.assembler.push(f.Data())
	ss.unacked += int(f.Header().Length)
	replenish := 0
	if ss.unacked >= defaultWindowSize/4 {
		replenish = ss.unacked
		ss.unacked = 0
	}
	ss.mu.Unlock()
	if replenish > 0 {
		id := f.StreamID
		t.w.enqueueCtrl(ctrlItem{write: func(fr *http2.Framer, _ *headerEncoder) error {
			return fr.WriteWindowUpdate(id, uint32(replenish))
		}})
	}
	for _, m := range msgs {
		ss.recvBuf.put(m)
	}
	if err != nil {
		// Resource or framing failure on the inbound direction.
		ss.recvBuf.close(err)
		t.w.enqueueCtrl(ctrlItem{write: func(fr *http2.Framer, _ *headerEncoder) error {
			return fr.WriteRSTStream(f.StreamID, http2.ErrCodeCancel)
		}})
		return
	}
	if f.StreamEnded() {
		if ss.assemblerIncompleteServer() {
			ss.recvBuf.close(status.Error(codes.Internal, "transport: stream ended mid-message"))
			return
		}
		// Client half-close: drain buffered messages, then EOF.
		ss.recvBuf.close(nil)
	}
}

func (ss *ServerStream) assemblerIncompleteServer() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.assembler.incomplete()
}

func (t *ServerTransport) replenishConn(n int) {
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

func (t *ServerTransport) handleSettings(f *http2.SettingsFrame) {
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

func (t *ServerTransport) applyInitialWindow(newSize int64) {
	t.mu.Lock()
	delta := newSize - t.peerInitialWindowLocked()
	t.peerInitWindow = newSize
	streams := make([]*ServerStream, 0, len(t.streams))
	for _, ss := range t.streams {
		streams = append(streams, ss)
	}
	t.mu.Unlock()
	for _, ss := range streams {
		t.w.addStreamQuota(ss.out, delta)
	}
}

func (t *ServerTransport) peerInitialWindowLocked() int64 {
	if t.peerInitWindow == 0 {
		return initialWindowSize
	}
	return t.peerInitWindow
}

func (t *ServerTransport) handlePing(f *http2.PingFrame) {
	if f.IsAck() {
		return
	}
	data := f.Data
	t.w.enqueueCtrl(ctrlItem{write: func(fr *http2.Framer, _ *headerEncoder) error {
		return fr.WritePing(true, data)
	}})
}

func (t *ServerTransport) handleWindowUpdate(f *http2.WindowUpdateFrame) {
	if f.StreamID == 0 {
		t.w.addConnQuota(int64(f.Increment))
		return
	}
	if ss := t.lookup(f.StreamID); ss != nil {
		t.w.addStreamQuota(ss.out, int64(f.Increment))
	}
}

// Drain sends GOAWAY and stops accepting streams; live streams keep
// running. OnDrained fires (possibly immediately) once no streams remain.
func (t *ServerTransport) Drain() {
	t.mu.Lock()
	if t.draining || t.closed {
		t.mu.Unlock()
		return
	}
	t.draining = true
	last := t.maxStreamID
	empty := len(t.streams) == 0 && !t.drainNotified
	if empty {
		t.drainNotified = true
	}
	t.mu.Unlock()
	t.w.enqueueCtrl(ctrlItem{write: func(fr *http2.Framer, _ *headerEncoder) error {
		return fr.WriteGoAway(last, http2.ErrCodeNo, nil)
	}})
	if empty && t.opts.OnDrained != nil {
		t.opts.OnDrained()
	}
}

// NumStreams reports the live stream count.
func (t *ServerTransport) NumStreams() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// Close tears down the connection; live streams finish cancelled.
func (t *ServerTransport) Close(err error) {
	t.closeOnce.Do(func() {
		if err == nil {
			err = ErrConnClosing
		}
		t.mu.Lock()
		t.closed = true
		t.closeErr = err
		streams := make([]*ServerStream, 0, len(t.streams))
		for _, ss := range t.streams {
			streams = append(streams, ss)
		}
		t.mu.Unlock()
		t.w.close(err)
		t.conn.Close()
		for _, ss := range streams {
			t.finishStream(ss, true, status.Errorf(codes.Unavailable, "transport: connection closed: %v", err).Err(), false, 0)
		}
	})
}
