package transport

import (
	"sync"

	"golang.org/x/net/http2"
)

// ctrlItem is a control-plane frame write: settings, acks, pings, RSTs,
// GOAWAY, and header blocks that open streams. Control writes are FIFO
// and take priority over data.
type ctrlItem struct {
	write  func(fr *http2.Framer, enc *headerEncoder) error
	onDone func(error)
}

// streamItem is one unit of per-stream outbound work, kept in the
// stream's own FIFO so messages, half-close, and trailers stay ordered.
type streamItem struct {
	// data is a gRPC-framed message; consumed incrementally under flow
	// control.
	data []byte
	sent int
	// endStream closes the outbound direction once data is flushed.
	endStream bool
	// trailers, when non-nil, emits a header block with END_STREAM
	// instead of data (server trailers).
	trailers func(enc *headerEncoder)
	onDone   func(error)
}

// outStream is the writer's view of one stream.
type outStream struct {
	id    uint32
	quota int64
	items []*streamItem
	// queued reports membership in the writer's round-robin list.
	queued bool
	// reset marks the stream dead; pending items fail.
	reset    bool
	resetErr error
}

// writer owns the framer and the hpack encoder. It serializes all frame
// writes on one goroutine, services control items first, and round-robins
// flow-controlled data across streams one frame per turn.
type writer struct {
	fr    *http2.Framer
	enc   *headerEncoder
	flush func() error

	mu           sync.Mutex
	cond         *sync.Cond
	ctrl         []ctrlItem
	active       []*outStream
	connQuota    int64
	maxFrameSize int
	closed       bool
	closeErr     error

	// onError receives the first fatal write error, outside w.mu.
	onError func(error)
}

func newWriter(fr *http2.Framer, flush func() error, onError func(error)) *writer {
	w := &writer{
		fr:           fr,
		enc:          newHeaderEncoder(),
		flush:        flush,
		connQuota:    initialWindowSize,
		maxFrameSize: 16384,
		onError:      onError,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *writer) enqueueCtrl(it ctrlItem) bool {
	w.mu.Lock()
	if w.closed {
		err := w.closeErr
		w.mu.Unlock()
		if it.onDone != nil {
			it.onDone(err)
		}
		return false
	}
	w.ctrl = append(w.ctrl, it)
	w.cond.Signal()
	w.mu.Unlock()
	return true
}

// enqueueStream appends an item to the stream's FIFO and schedules it.
func (w *writer) enqueueStream(s *outStream, it *streamItem) bool {
	w.mu.Lock()
	if w.closed || s.reset {
		err := w.closeErr
		if s.reset {
			err = s.resetErr
		}
		w.mu.Unlock()
		if it.onDone != nil {
			it.onDone(err)
		}
		return false
	}
	s.items = append(s.items, it)
	if !s.queued {
		s.queued = true
		w.active = append(w.active, s)
	}
	w.cond.Signal()
	w.mu.Unlock()
	return true
}

// resetStream drops the stream's pending output, failing each item's
// callback with err. The caller separately enqueues any RST frame.
func (w *writer) resetStream(s *outStream, err error) {
	w.mu.Lock()
	s.reset = true
	s.resetErr = err
	items := s.items
	s.items = nil
	w.mu.Unlock()
	for _, it := range items {
		if it.onDone != nil {
			it.onDone(err)
		}
	}
}

// addConnQuota credits connection-level send window.
func (w *writer) addConnQuota(n int64) {
	w.mu.Lock()
	w.connQuota += n
	w.cond.Signal()
	w.mu.Unlock()
}

// addStreamQuota credits one stream's send window.
func (w *writer) addStreamQuota(s *outStream, n int64) {
	w.mu.Lock()
	s.quota += n
	if len(s.items) > 0 && !s.queued && !s.reset {
		s.queued = true
		w.active = append(w.active, s)
	}
	w.cond.Signal()
	w.mu.Unlock()
}

// setMaxFrameSize applies the peer's SETTINGS_MAX_FRAME_SIZE.
func (w *writer) setMaxFrameSize(n uint32) {
	w.mu.Lock()
	w.maxFrameSize = int(n)
	w.mu.Unlock()
}

// close fails all pending work and stops the run loop.
func (w *writer) close(err error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.closeErr = err
	ctrl := w.ctrl
	w.ctrl = nil
	var items []*streamItem
	for _, s := range w.active {
		s.queued = false
		items = append(items, s.items...)
		s.items = nil
	}
	w.active = nil
	w.cond.Broadcast()
	w.mu.Unlock()
	for _, it := range ctrl {
		if it.onDone != nil {
			it.onDone(err)
		}
	}
	for _, it := range items {
		if it.onDone != nil {
			it.onDone(err)
		}
	}
}

// run is the writer goroutine. It exits when the writer is closed or a
// frame write fails.
func (w *writer) run() {
	for {
		w.mu.Lock()
		for !w.closed && len(w.ctrl) == 0 && !w.hasRunnableData() {
			// Everything queued has been written; push it out
			// before sleeping.
			w.mu.Unlock()
			if err := w.flush(); err != nil {
				w.fail(err)
				return
			}
			w.mu.Lock()
			if !w.closed && len(w.ctrl) == 0 && !w.hasRunnableData() {
				w.cond.Wait()
			}
		}
		if w.closed {
			w.mu.Unlock()
			return
		}
		if len(w.ctrl) > 0 {
			it := w.ctrl[0]
			w.ctrl = w.ctrl[1:]
			w.mu.Unlock()
			err := it.write(w.fr, w.enc)
			if it.onDone != nil {
				it.onDone(err)
			}
			if err != nil {
				w.fail(err)
				return
			}
			continue
		}
		s, it, chunk, endStream, done := w.nextDataChunk()
		w.mu.Unlock()
		if s == nil {
			continue
		}
		if it.trailers != nil {
			w.enc.reset()
			it.trailers(w.enc)
			err := writeHeaderBlock(w.fr, s.id, w.enc.bytes(), true, w.frameCap())
			if it.onDone != nil {
				it.onDone(err)
			}
			if err != nil {
				w.fail(err)
				return
			}
			continue
		}
		if err := w.fr.WriteData(s.id, endStream, chunk); err != nil {
			if it.onDone != nil {
				it.onDone(err)
			}
			w.fail(err)
			return
		}
		if done && it.onDone != nil {
			it.onDone(nil)
		}
	}
}

func (w *writer) fail(err error) {
	w.close(err)
	if w.onError != nil {
		w.onError(err)
	}
}

func (w *writer) frameCap() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxFrameSize
}

// hasRunnableData reports whether any active stream can make progress
// under current quota. Caller holds w.mu.
func (w *writer) hasRunnableData() bool {
	for _, s := range w.active {
		if len(s.items) == 0 {
			continue
		}
		it := s.items[0]
		if it.trailers != nil {
			return true
		}
		rem := len(it.data) - it.sent
		if rem == 0 {
			// Bare half-close carries no bytes.
			return true
		}
		if w.connQuota > 0 && s.quota > 0 {
			return true
		}
	}
	return false
}

// nextDataChunk pops up to one frame of work from the round-robin list.
// Caller holds w.mu. Returns done=true when the item is fully consumed;
// the stream is requeued if it has more work.
func (w *writer) nextDataChunk() (s *outStream, it *streamItem, chunk []byte, endStream, done bool) {
	for range w.active {
		cand := w.active[0]
		w.active = w.active[1:]
		cand.queued = false
		if cand.reset || len(cand.items) == 0 {
			continue
		}
		head := cand.items[0]
		if head.trailers != nil {
			cand.items = cand.items[1:]
			w.requeueLocked(cand)
			return cand, head, nil, true, true
		}
		rem := len(head.data) - head.sent
		if rem == 0 {
			cand.items = cand.items[1:]
			w.requeueLocked(cand)
			return cand, head, nil, head.endStream, true
		}
		if w.connQuota <= 0 || cand.quota <= 0 {
			// Blocked on quota. Without stream quota it leaves the
			// active list until a stream window update requeues it;
			// without connection quota it stays queued, since a
			// connection window update requeues nothing.
			if w.connQuota <= 0 {
				cand.queued = true
				w.active = append(w.active, cand)
			}
			continue
		}
		n := rem
		if int64(n) > w.connQuota {
			n = int(w.connQuota)
		}
		if int64(n) > cand.quota {
			n = int(cand.quota)
		}
		if n > w.maxFrameSize {
			n = w.maxFrameSize
		}
		chunk = head.data[head.sent : head.sent+n]
		head.sent += n
		w.connQuota -= int64(n)
		cand.quota -= int64(n)
		last := head.sent == len(head.data)
		if last {
			cand.items = cand.items[1:]
		}
		w.requeueLocked(cand)
		return cand, head, chunk, head.endStream && last, last
	}
	return nil, nil, nil, false, false
}

func (w *writer) requeueLocked(s *outStream) {
	if len(s.items) > 0 && !s.queued && !s.reset {
		s.queued = true
		w.active = append(w.active, s)
	}
}

// writeHeaderBlock emits a HEADERS frame, splitting into CONTINUATION
// frames when the block exceeds the frame size.
func writeHeaderBlock(fr *http2.Framer, streamID uint32, block []byte, endStream bool, maxFrame int) error {
	first := true
	for first || len(block) > 0 {
		frag := block
		if len(frag) > maxFrame {
			frag = frag[:maxFrame]
		}
		block = block[len(frag):]
		end := len(block) == 0
		var err error
		if first {
			first = false
			err = fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: frag,
				EndStream:     endStream,
				EndHeaders:    end,
			})
		} else {
			err = fr.WriteContinuation(streamID, end, frag)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
