package grpccore

import (
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-grpccore/internal/transport"
)

// ServerCall is one inbound RPC, materialized when a parked stream pairs
// with a request-call tag. It is driven with the same batch API as the
// client side; completions land on the queue the tag was posted with.
type ServerCall struct {
	srv    *Server
	stream *transport.ServerStream
	cq     *CompletionQueue

	deadlineTimer *time.Timer

	mu        sync.Mutex
	life      opLifetime
	done      bool
	cancelled bool

	pendingRecvClose *activeOp
}

func newServerCall(s *Server, stream *transport.ServerStream, cq *CompletionQueue) *ServerCall {
	return &ServerCall{srv: s, stream: stream, cq: cq}
}

// arm wires the call to its stream's terminal event and starts local
// deadline enforcement. Called once at pairing, before the request-call
// tag is delivered.
func (c *ServerCall) arm() {
	c.stream.OnDone(func(cancelled bool) {
		c.mu.Lock()
		c.done = true
		c.cancelled = cancelled
		if c.deadlineTimer != nil {
			c.deadlineTimer.Stop()
		}
		ao := c.pendingRecvClose
		c.pendingRecvClose = nil
		if ao != nil {
			if ao.op.cancelledOut != nil {
				*ao.op.cancelledOut = cancelled
			}
			c.completeLocked(ao, true)
		}
		c.mu.Unlock()
	})
	if d, ok := c.stream.Timeout(); ok {
		c.deadlineTimer = time.AfterFunc(d, func() {
			c.stream.Cancel(status.New(codes.DeadlineExceeded, "deadline exceeded"))
		})
	}
}

// StartBatch implements [Call].
func (c *ServerCall) StartBatch(ops []Op, tag any) error {
	if err := c.cq.reserve(); err != nil {
		return err
	}
	var post postActions
	c.mu.Lock()
	if err := c.life.validate(ops, false); err != nil {
		c.mu.Unlock()
		c.cq.unreserve()
		return err
	}
	if len(ops) == 0 {
		c.mu.Unlock()
		c.cq.enqueue(tag, true)
		return nil
	}
	b := newBatch(c.cq, tag, len(ops))
	if c.done {
		for i := range ops {
			c.settleDoneLocked(&activeOp{op: ops[i], b: b})
		}
		c.mu.Unlock()
		return nil
	}
	for i := range ops {
		c.dispatchLocked(&activeOp{op: ops[i], b: b}, &post)
	}
	c.mu.Unlock()
	post.run()
	return nil
}

// settleDoneLocked settles an op submitted after the stream terminated.
func (c *ServerCall) settleDoneLocked(ao *activeOp) {
	switch ao.op.kind {
	case opRecvCloseOnServer:
		if ao.op.cancelledOut != nil {
			*ao.op.cancelledOut = c.cancelled
		}
		c.completeLocked(ao, true)
	case opRecvMessage:
		if ao.op.msgOut != nil {
			*ao.op.msgOut = nil
		}
		c.completeLocked(ao, false)
	default:
		c.completeLocked(ao, false)
	}
}

// dispatchLocked routes one op onto the stream. Caller holds c.mu;
// transport interactions land on post.
func (c *ServerCall) dispatchLocked(ao *activeOp, post *postActions) {
	switch ao.op.kind {
	case opSendInitialMetadata:
		md := ao.op.md
		*post = append(*post, func() {
			c.stream.WriteHeaders(md, c.opCallback(ao))
		})
	case opSendMessage:
		msg := ao.op.msg
		*post = append(*post, func() {
			c.stream.WriteMessage(msg, c.opCallback(ao))
		})
	case opSendStatusFromServer:
		st := ao.op.st
		if st == nil {
			st = status.New(codes.OK, "")
		}
		trailers := ao.op.trailers
		*post = append(*post, func() {
			c.stream.WriteStatus(st, trailers, c.opCallback(ao))
		})
	case opRecvMessage:
		*post = append(*post, func() {
			c.stream.RecvMessage(func(data []byte, err error) {
				c.mu.Lock()
				if err != nil {
					if ao.op.msgOut != nil {
						*ao.op.msgOut = nil
					}
					c.completeLocked(ao, false)
				} else {
					if ao.op.msgOut != nil {
						*ao.op.msgOut = data
					}
					c.completeLocked(ao, true)
				}
				c.mu.Unlock()
			})
		})
	case opRecvCloseOnServer:
		if c.done {
			c.settleDoneLocked(ao)
			return
		}
		c.pendingRecvClose = ao
	}
}

// opCallback completes a send-side op from a transport callback.
func (c *ServerCall) opCallback(ao *activeOp) func(error) {
	return func(err error) {
		c.mu.Lock()
		c.completeLocked(ao, err == nil)
		c.mu.Unlock()
	}
}

// completeLocked credits one op toward its batch. Caller holds c.mu.
func (c *ServerCall) completeLocked(ao *activeOp, success bool) {
	if ao.completed {
		return
	}
	ao.completed = true
	c.life.finish(ao.op.kind)
	ao.b.opDone(success)
}

// Cancel implements [Call]: the stream is reset and the client observes
// CANCELLED.
func (c *ServerCall) Cancel() {
	c.stream.Cancel(status.New(codes.Cancelled, "call cancelled by server"))
}

// Peer returns the remote address.
func (c *ServerCall) Peer() string { return c.stream.Peer() }
