package grpccore

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-grpccore/balancer"
	"github.com/joeycumines/go-grpccore/internal/transport"
	"github.com/joeycumines/go-grpccore/resolver"
	"github.com/joeycumines/go-grpccore/serviceconfig"
)

// retryBufferLimit bounds the replayable send buffer per call; exceeding
// it commits the call and disables further retries.
const retryBufferLimit = 64 << 10

// Call is the batch-driven surface shared by client and server calls.
type Call interface {
	// StartBatch submits an ordered batch of operations. Exactly one
	// (tag, ok) event is delivered for every accepted batch.
	StartBatch(ops []Op, tag any) error
	// Cancel terminates the call with CANCELLED. Idempotent; pending
	// batches complete promptly with ok=false where their ops failed.
	Cancel()
}

// postActions collects transport interactions deferred until after c.mu
// is released. Transport callbacks re-enter the engine and take c.mu, so
// nothing that can invoke them synchronously may run under it.
type postActions []func()

func (p postActions) run() {
	for _, f := range p {
		f()
	}
}

// ClientCall is one RPC initiated through a [Channel].
type ClientCall struct {
	ch       *Channel
	cq       *CompletionQueue
	method   string
	copts    callOptions
	deadline time.Time
	maxSend  int
	maxRecv  int
	retry    *serviceconfig.RetryPolicy
	waitFR   bool

	deadlineTimer *time.Timer

	mu        sync.Mutex
	life      opLifetime
	done      bool
	cancelled bool
	final     RecvStatus

	// Replayable send records for retries; committed stops recording.
	records     []*sendRecord
	bufferBytes int
	committed   bool

	attempt      *callAttempt
	attemptCount int

	pendingRecvMD     *activeOp
	pendingRecvMsg    *activeOp
	pendingRecvStatus *activeOp
	// heldSends are send ops that failed on an attempt and await the
	// retry decision.
	heldSends []*activeOp
}

// sendRecord is one replayable outbound op.
type sendRecord struct {
	kind opKind
	md   metadata.MD
	msg  []byte
	// op is the originating operation; replays of an already-settled
	// op complete nothing.
	op *activeOp
}

// activeOp is one in-flight operation within a batch.
type activeOp struct {
	op        Op
	b         *batch
	completed bool
}

// callAttempt binds the call to one transport stream. Retries and the
// initial attempt share this shape; at most one attempt is live.
type callAttempt struct {
	call   *ClientCall
	n      int
	stream *transport.ClientStream
	bound  bool
	// applied counts send records already written to this stream.
	applied int
	// mdRegistered/msgRegistered guard against double-registering the
	// one-shot transport waiters.
	mdRegistered  bool
	msgRegistered bool
	entry         *pickEntry
}

// NewCall creates a call for the full method path, bound to cq. The call
// engine delivers every batch completion to that queue.
func (c *Channel) NewCall(cq *CompletionQueue, method string, opts ...CallOption) (*ClientCall, error) {
	if cq == nil {
		return nil, ErrInvalidBatch
	}
	var copts callOptions
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyCall(&copts); err != nil {
			return nil, err
		}
	}

	call := &ClientCall{
		ch:      c,
		cq:      cq,
		method:  method,
		copts:   copts,
		maxSend: c.opts.maxSendMsgSize,
		maxRecv: c.opts.maxRecvMsgSize,
	}
	call.deadline = copts.deadline
	call.waitFR = copts.waitForReady

	if mc := c.methodConfig(method); mc != nil {
		if mc.Timeout != nil {
			d := time.Now().Add(*mc.Timeout)
			if call.deadline.IsZero() || d.Before(call.deadline) {
				call.deadline = d
			}
		}
		if mc.WaitForReady != nil && !copts.waitForReadySet {
			call.waitFR = *mc.WaitForReady
		}
		if mc.MaxRequestMessageBytes != nil {
			call.maxSend = *mc.MaxRequestMessageBytes
		}
		if mc.MaxResponseMessageBytes != nil {
			call.maxRecv = *mc.MaxResponseMessageBytes
		}
		if !c.opts.disableRetry {
			switch {
			case mc.RetryPolicy != nil:
				call.retry = mc.RetryPolicy
			case mc.HedgingPolicy != nil:
				// Hedged attempts run sequentially on the
				// hedging delay; see DESIGN.md.
				call.retry = &serviceconfig.RetryPolicy{
					MaxAttempts:          mc.HedgingPolicy.MaxAttempts,
					InitialBackoff:       mc.HedgingPolicy.HedgingDelay,
					MaxBackoff:           mc.HedgingPolicy.HedgingDelay,
					BackoffMultiplier:    1,
					RetryableStatusCodes: mc.HedgingPolicy.NonFatalStatusCodes,
				}
			}
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.calls[call] = struct{}{}
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if !call.deadline.IsZero() {
		call.deadlineTimer = time.AfterFunc(time.Until(call.deadline), func() {
			call.cancelWithStatus(status.New(codes.DeadlineExceeded, "deadline exceeded"))
		})
	}
	return call, nil
}

// StartBatch implements [Call].
func (c *ClientCall) StartBatch(ops []Op, tag any) error {
	if err := c.cq.reserve(); err != nil {
		return err
	}
	var post postActions
	c.mu.Lock()
	if err := c.life.validate(ops, true); err != nil {
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
		// The call already terminated: settle the batch against the
		// final state so late status reads still work.
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

// settleDoneLocked settles an op submitted after call termination: sends
// and message reads fail, metadata and status reads complete from the
// stored final state.
func (c *ClientCall) settleDoneLocked(ao *activeOp) {
	switch ao.op.kind {
	case opRecvInitialMetadata:
		c.completeLocked(ao, true)
	case opRecvMessage:
		if ao.op.msgOut != nil {
			*ao.op.msgOut = nil
		}
		c.completeLocked(ao, false)
	case opRecvStatusOnClient:
		if ao.op.statusOut != nil {
			*ao.op.statusOut = c.final
		}
		c.completeLocked(ao, true)
	default:
		c.completeLocked(ao, false)
	}
}

// dispatchLocked routes one op into the engine. Caller holds c.mu;
// transport interactions land on post.
func (c *ClientCall) dispatchLocked(ao *activeOp, post *postActions) {
	switch ao.op.kind {
	case opSendInitialMetadata:
		c.recordSendLocked(&sendRecord{kind: opSendInitialMetadata, md: ao.op.md, op: ao}, post)
		if c.attempt == nil {
			c.startAttemptLocked(post)
		}
	case opSendMessage:
		if c.maxSend > 0 && len(ao.op.msg) > c.maxSend {
			st := status.Newf(codes.ResourceExhausted, "outbound message of %d bytes exceeds limit %d", len(ao.op.msg), c.maxSend)
			c.completeLocked(ao, false)
			c.terminateLocked(st, nil, true, post)
			return
		}
		c.recordSendLocked(&sendRecord{kind: opSendMessage, msg: ao.op.msg, op: ao}, post)
	case opSendCloseFromClient:
		c.recordSendLocked(&sendRecord{kind: opSendCloseFromClient, op: ao}, post)
	case opRecvInitialMetadata:
		c.pendingRecvMD = ao
		if at := c.attempt; at != nil && at.bound && !at.mdRegistered {
			at.mdRegistered = true
			*post = append(*post, func() { c.registerRecvMD(at) })
		}
	case opRecvMessage:
		c.pendingRecvMsg = ao
		if at := c.attempt; at != nil && at.bound && !at.msgRegistered {
			at.msgRegistered = true
			*post = append(*post, func() { c.registerRecvMsg(at) })
		}
	case opRecvStatusOnClient:
		c.pendingRecvStatus = ao
	}
}

// recordSendLocked buffers a send op for replay and applies it to the
// live attempt, if bound. Past the buffer limit the call commits and
// stops buffering.
func (c *ClientCall) recordSendLocked(rec *sendRecord, post *postActions) {
	if !c.committed {
		c.bufferBytes += len(rec.msg) + 32
		if c.bufferBytes > retryBufferLimit {
			c.committed = true
		}
	}
	bound := c.attempt != nil && c.attempt.bound
	if !c.committed || !bound {
		// Pre-commit: the replay buffer. Post-commit but unbound:
		// an unreplayable tail that bind still has to apply.
		c.records = append(c.records, rec)
	}
	if bound {
		at := c.attempt
		if at.applied == len(c.records)-1 {
			at.applied++
		}
		*post = append(*post, func() { c.applySend(at, rec) })
	}
}

// applySend writes one record to the attempt's stream. Runs outside
// c.mu; rec and at.stream are immutable by now.
func (c *ClientCall) applySend(at *callAttempt, rec *sendRecord) {
	done := c.sendCallback(at, rec.op)
	switch rec.kind {
	case opSendInitialMetadata:
		at.stream.WriteHeaders(rec.md, done)
	case opSendMessage:
		at.stream.WriteMessage(rec.msg, done)
	case opSendCloseFromClient:
		at.stream.CloseSend(done)
	}
}

// sendCallback builds the completion callback for a send on a specific
// attempt. Replays of already-settled ops complete nothing.
func (c *ClientCall) sendCallback(at *callAttempt, ao *activeOp) func(error) {
	return func(err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ao == nil || ao.completed {
			return
		}
		if at != c.attempt {
			// A newer attempt owns the op; its replay callback
			// settles it.
			return
		}
		if err == nil {
			c.completeLocked(ao, true)
			return
		}
		if c.done {
			c.completeLocked(ao, false)
			return
		}
		// Hold for the retry decision driven by the trailers.
		c.heldSends = append(c.heldSends, ao)
	}
}

// completeLocked credits one op toward its batch. Caller holds c.mu.
func (c *ClientCall) completeLocked(ao *activeOp, success bool) {
	if ao.completed {
		return
	}
	ao.completed = true
	c.life.finish(ao.op.kind)
	ao.b.opDone(success)
}

// startAttemptLocked creates the next attempt and defers its pick
// submission.
func (c *ClientCall) startAttemptLocked(post *postActions) {
	c.attemptCount++
	at := &callAttempt{call: c, n: c.attemptCount}
	c.attempt = at
	md := metadata.MD(nil)
	if len(c.records) > 0 && c.records[0].kind == opSendInitialMetadata {
		md = c.records[0].md
	}
	at.entry = &pickEntry{
		info:         balancer.PickInfo{Method: c.method, Metadata: md},
		waitForReady: c.waitFR,
		onPick: func(tr *transport.ClientTransport, addr resolver.Address) {
			c.bindAttempt(at, tr, addr)
		},
		onFail: func(st *status.Status) {
			c.pickFailed(at, st)
		},
	}
	*post = append(*post, func() { c.ch.submitPick(at.entry) })
}

// bindAttempt attaches a picked transport to the attempt: opens the
// stream, replays buffered sends, and registers pending receives.
func (c *ClientCall) bindAttempt(at *callAttempt, tr *transport.ClientTransport, addr resolver.Address) {
	var post postActions
	c.mu.Lock()
	if c.done || at != c.attempt {
		c.mu.Unlock()
		return
	}
	hdr := &transport.CallHdr{
		Method:    c.method,
		Authority: c.ch.callAuthority(c.copts.authority, addr),
	}
	if !c.deadline.IsZero() {
		hdr.Timeout = time.Until(c.deadline)
		if hdr.Timeout <= 0 {
			c.mu.Unlock()
			c.cancelWithStatus(status.New(codes.DeadlineExceeded, "deadline exceeded"))
			return
		}
	}
	stream, err := tr.NewStream(hdr)
	if err != nil {
		// The transport began draining between pick and bind; the
		// stream never existed, so transparently re-pick.
		c.attempt = nil
		c.attemptCount--
		c.startAttemptLocked(&post)
		c.mu.Unlock()
		post.run()
		return
	}
	at.stream = stream
	at.bound = true
	records := c.records[at.applied:]
	at.applied = len(c.records)
	for _, rec := range records {
		rec := rec
		post = append(post, func() { c.applySend(at, rec) })
	}
	if c.committed && len(c.records) > 0 {
		// The unreplayable tail has been handed to this attempt.
		c.records = nil
		at.applied = 0
	}
	if c.pendingRecvMD != nil && !at.mdRegistered {
		at.mdRegistered = true
		post = append(post, func() { c.registerRecvMD(at) })
	}
	if c.pendingRecvMsg != nil && !at.msgRegistered {
		at.msgRegistered = true
		post = append(post, func() { c.registerRecvMsg(at) })
	}
	post = append(post, func() {
		stream.RecvTrailers(func(st *status.Status, md metadata.MD) {
			c.attemptDone(at, st, md)
		})
	})
	c.mu.Unlock()
	post.run()
}

// registerRecvMD hooks the pending recv-initial-metadata op to the
// attempt's stream. Runs outside c.mu.
func (c *ClientCall) registerRecvMD(at *callAttempt) {
	at.stream.RecvHeaders(func(md metadata.MD, _ error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if at != c.attempt || c.done {
			return
		}
		ao := c.pendingRecvMD
		if ao == nil || md == nil {
			// No real headers: the stream is finishing and the
			// trailer callback decides retry versus final.
			return
		}
		c.committed = true
		c.pendingRecvMD = nil
		if ao.op.mdOut != nil {
			*ao.op.mdOut = md
		}
		c.completeLocked(ao, true)
	})
}

// registerRecvMsg hooks the pending recv-message op to the attempt's
// stream. Runs outside c.mu.
func (c *ClientCall) registerRecvMsg(at *callAttempt) {
	at.stream.RecvMessage(func(data []byte, err error) {
		var post postActions
		c.mu.Lock()
		if at != c.attempt || c.done {
			c.mu.Unlock()
			return
		}
		at.msgRegistered = false
		ao := c.pendingRecvMsg
		if ao == nil {
			c.mu.Unlock()
			return
		}
		if err != nil {
			// End of stream or failure: the trailer callback
			// decides.
			c.mu.Unlock()
			return
		}
		if c.maxRecv > 0 && len(data) > c.maxRecv {
			st := status.Newf(codes.ResourceExhausted, "inbound message of %d bytes exceeds limit %d", len(data), c.maxRecv)
			c.pendingRecvMsg = nil
			c.completeLocked(ao, false)
			c.terminateLocked(st, nil, true, &post)
			c.mu.Unlock()
			post.run()
			return
		}
		c.committed = true
		c.pendingRecvMsg = nil
		if ao.op.msgOut != nil {
			*ao.op.msgOut = data
		}
		c.completeLocked(ao, true)
		c.mu.Unlock()
	})
}

// pickFailed finalizes the call after a non-retryable pick outcome.
func (c *ClientCall) pickFailed(at *callAttempt, st *status.Status) {
	var post postActions
	c.mu.Lock()
	if at != c.attempt || c.done {
		c.mu.Unlock()
		return
	}
	c.terminateLocked(st, nil, false, &post)
	c.mu.Unlock()
	post.run()
}

// attemptDone is the per-attempt decision point, driven by the stream's
// terminal status: retry on a fresh stream, or finalize the call.
func (c *ClientCall) attemptDone(at *callAttempt, st *status.Status, trailerMD metadata.MD) {
	var post postActions
	c.mu.Lock()
	if at != c.attempt || c.done {
		c.mu.Unlock()
		return
	}
	if c.shouldRetryLocked(st) {
		c.attempt = nil
		delay := c.retryDelay()
		time.AfterFunc(delay, func() {
			var post postActions
			c.mu.Lock()
			if !c.done && c.attempt == nil {
				c.startAttemptLocked(&post)
			}
			c.mu.Unlock()
			post.run()
		})
		c.mu.Unlock()
		return
	}
	c.terminateLocked(st, trailerMD, false, &post)
	c.mu.Unlock()
	post.run()
}

func (c *ClientCall) shouldRetryLocked(st *status.Status) bool {
	return c.retry != nil &&
		!c.committed &&
		!c.cancelled &&
		c.attemptCount < c.retry.MaxAttempts &&
		c.retry.RetryableStatusCodes[st.Code()]
}

// retryDelay computes the next attempt's backoff with full jitter.
func (c *ClientCall) retryDelay() time.Duration {
	// attemptCount already includes the failed attempt; the first
	// retry (attemptCount 1) draws from the initial backoff.
	exp := c.attemptCount - 1
	d := float64(c.retry.InitialBackoff) * math.Pow(c.retry.BackoffMultiplier, float64(exp))
	if ceil := float64(c.retry.MaxBackoff); d > ceil {
		d = ceil
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * d)
}

// terminateLocked finalizes the call exactly once: settles every pending
// op, fires the status op, and releases call resources. Caller holds
// c.mu; stream teardown lands on post.
func (c *ClientCall) terminateLocked(st *status.Status, trailerMD metadata.MD, resetStream bool, post *postActions) {
	if c.done {
		return
	}
	c.done = true
	c.final = RecvStatus{Status: st, Trailers: trailerMD}

	if at := c.attempt; at != nil {
		if at.entry != nil {
			at.entry.claimed.Store(true)
		}
		if at.bound && resetStream {
			stream := at.stream
			*post = append(*post, func() { stream.Cancel(st) })
		}
	}
	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
	}

	if ao := c.pendingRecvMD; ao != nil {
		c.pendingRecvMD = nil
		// Completes successfully with no metadata, matching the
		// op's arrive-or-final-error contract.
		c.completeLocked(ao, true)
	}
	if ao := c.pendingRecvMsg; ao != nil {
		c.pendingRecvMsg = nil
		if ao.op.msgOut != nil {
			*ao.op.msgOut = nil
		}
		c.completeLocked(ao, false)
	}
	for _, ao := range c.heldSends {
		c.completeLocked(ao, false)
	}
	c.heldSends = nil
	if ao := c.pendingRecvStatus; ao != nil {
		c.pendingRecvStatus = nil
		if ao.op.statusOut != nil {
			*ao.op.statusOut = c.final
		}
		c.completeLocked(ao, true)
	}
	c.records = nil
	c.ch.removeCall(c)
}

// Cancel implements [Call].
func (c *ClientCall) Cancel() {
	c.cancelWithStatus(status.New(codes.Cancelled, "call cancelled"))
}

// cancelWithStatus cancels the call with an explicit status; deadline
// expiry uses DEADLINE_EXCEEDED.
func (c *ClientCall) cancelWithStatus(st *status.Status) {
	var post postActions
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	c.terminateLocked(st, nil, true, &post)
	c.mu.Unlock()
	post.run()
}

// Status returns the terminal status once the call has completed.
func (c *ClientCall) Status() (RecvStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		return RecvStatus{}, false
	}
	return c.final, true
}
