package transport

import (
	"io"
	"sync"
)

// recvBuffer buffers inbound messages when no receiver is waiting and
// delivers them via one-shot callbacks when a receiver registers interest.
// Unlike the per-call engine state it feeds, it is driven concurrently by
// the transport's reader goroutine, so access is serialized on a mutex;
// callbacks always run outside it.
type recvBuffer struct {
	mu     sync.Mutex
	buf    [][]byte
	waiter func([]byte, error)
	closed bool
	err    error
}

// put delivers or buffers one message. Messages arriving after close are
// dropped; the reader stops feeding a closed stream anyway.
func (b *recvBuffer) put(msg []byte) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if w := b.waiter; w != nil {
		b.waiter = nil
		b.mu.Unlock()
		w(msg, nil)
		return
	}
	b.buf = append(b.buf, msg)
	b.mu.Unlock()
}

// close terminates the stream's inbound direction. A nil error is a clean
// end-of-stream: buffered messages remain readable, then receivers observe
// io.EOF. A non-nil error preempts buffered messages.
func (b *recvBuffer) close(err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.err = err
	if err != nil {
		b.buf = nil
	}
	w := b.waiter
	b.waiter = nil
	b.mu.Unlock()
	if w != nil {
		if err == nil {
			err = io.EOF
		}
		w(nil, err)
	}
}

// recv registers a one-shot callback for the next message. Buffered
// messages are delivered FIFO; after a clean close and a drained buffer
// the callback receives io.EOF. Panics if a waiter is already pending.
func (b *recvBuffer) recv(cb func([]byte, error)) {
	b.mu.Lock()
	if len(b.buf) > 0 {
		msg := b.buf[0]
		b.buf[0] = nil
		b.buf = b.buf[1:]
		if len(b.buf) == 0 {
			b.buf = nil
		}
		b.mu.Unlock()
		cb(msg, nil)
		return
	}
	if b.closed {
		err := b.err
		if err == nil {
			err = io.EOF
		}
		b.mu.Unlock()
		cb(nil, err)
		return
	}
	if b.waiter != nil {
		panic("transport: recv called with existing waiter")
	}
	b.waiter = cb
	b.mu.Unlock()
}
