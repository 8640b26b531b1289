package grpccore

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// opKind enumerates the eight operation kinds a batch may carry.
type opKind int

const (
	opSendInitialMetadata opKind = iota
	opSendMessage
	opSendCloseFromClient
	opSendStatusFromServer
	opRecvInitialMetadata
	opRecvMessage
	opRecvStatusOnClient
	opRecvCloseOnServer
	numOpKinds
)

func (k opKind) String() string {
	switch k {
	case opSendInitialMetadata:
		return "send_initial_metadata"
	case opSendMessage:
		return "send_message"
	case opSendCloseFromClient:
		return "send_close_from_client"
	case opSendStatusFromServer:
		return "send_status_from_server"
	case opRecvInitialMetadata:
		return "recv_initial_metadata"
	case opRecvMessage:
		return "recv_message"
	case opRecvStatusOnClient:
		return "recv_status_on_client"
	case opRecvCloseOnServer:
		return "recv_close_on_server"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// atMostOnce reports op kinds that may appear at most once across a
// call's lifetime.
func (k opKind) atMostOnce() bool {
	return k != opSendMessage && k != opRecvMessage
}

// clientOnly / serverOnly partition the direction-specific kinds.
func (k opKind) clientOnly() bool {
	return k == opSendCloseFromClient || k == opRecvStatusOnClient
}

func (k opKind) serverOnly() bool {
	return k == opSendStatusFromServer || k == opRecvCloseOnServer
}

// RecvStatus receives the terminal status of a client call.
type RecvStatus struct {
	Status   *status.Status
	Trailers metadata.MD
}

// Op is one operation within a batch. Construct values with the Op*
// functions.
type Op struct {
	kind opKind

	// Inputs.
	md       metadata.MD
	msg      []byte
	st       *status.Status
	trailers metadata.MD

	// Output destinations; nil discards the result.
	mdOut        *metadata.MD
	msgOut       *[]byte
	statusOut    *RecvStatus
	cancelledOut *bool
}

// OpSendInitialMetadata sends the leading metadata block. Required before
// any OpSendMessage on the call.
func OpSendInitialMetadata(md metadata.MD) Op {
	return Op{kind: opSendInitialMetadata, md: md}
}

// OpSendMessage sends one message.
func OpSendMessage(data []byte) Op {
	return Op{kind: opSendMessage, msg: data}
}

// OpSendCloseFromClient half-closes the client's outbound direction.
func OpSendCloseFromClient() Op {
	return Op{kind: opSendCloseFromClient}
}

// OpSendStatusFromServer sends the trailers carrying st and closes the
// server's outbound direction.
func OpSendStatusFromServer(st *status.Status, trailers metadata.MD) Op {
	return Op{kind: opSendStatusFromServer, st: st, trailers: trailers}
}

// OpRecvInitialMetadata completes when the peer's leading metadata
// arrives, storing it in *dst.
func OpRecvInitialMetadata(dst *metadata.MD) Op {
	return Op{kind: opRecvInitialMetadata, mdOut: dst}
}

// OpRecvMessage completes with the next inbound message in *dst. Past
// end-of-stream it completes unsuccessfully with *dst set to nil.
func OpRecvMessage(dst *[]byte) Op {
	return Op{kind: opRecvMessage, msgOut: dst}
}

// OpRecvStatusOnClient completes when the call reaches its terminal
// status.
func OpRecvStatusOnClient(dst *RecvStatus) Op {
	return Op{kind: opRecvStatusOnClient, statusOut: dst}
}

// OpRecvCloseOnServer completes when the server call finishes, reporting
// whether it was cancelled.
func OpRecvCloseOnServer(cancelled *bool) Op {
	return Op{kind: opRecvCloseOnServer, cancelledOut: cancelled}
}

// batch tracks one submitted batch through to its single completion
// event.
type batch struct {
	cq  *CompletionQueue
	tag any

	mu        sync.Mutex
	remaining int
	ok        bool
	// onFinish, when set, runs after the completion event is queued.
	onFinish func()
}

func newBatch(cq *CompletionQueue, tag any, n int) *batch {
	return &batch{cq: cq, tag: tag, remaining: n, ok: true}
}

// opDone records one op completion; the batch's event fires when the
// last op lands, with ok true iff every op succeeded.
func (b *batch) opDone(success bool) {
	b.mu.Lock()
	if !success {
		b.ok = false
	}
	b.remaining--
	fire := b.remaining == 0
	ok := b.ok
	onFinish := b.onFinish
	b.mu.Unlock()
	if fire {
		b.cq.enqueue(b.tag, ok)
		if onFinish != nil {
			onFinish()
		}
	}
}

// opLifetime tracks per-call op usage for the at-most-once and
// no-concurrent-duplicates rules.
type opLifetime struct {
	started  [numOpKinds]bool
	inFlight [numOpKinds]bool
}

// validate checks a batch against the per-call rules and, on success,
// marks its ops started and in flight. Callers hold the call lock.
func (l *opLifetime) validate(ops []Op, client bool) error {
	var inBatch [numOpKinds]bool
	for _, op := range ops {
		k := op.kind
		if k < 0 || k >= numOpKinds {
			return fmt.Errorf("%w: unknown op", ErrInvalidBatch)
		}
		if inBatch[k] {
			return fmt.Errorf("%w: %v appears twice in batch", ErrDuplicateOp, k)
		}
		inBatch[k] = true
		if client && k.serverOnly() || !client && k.clientOnly() {
			return fmt.Errorf("%w: %v not valid on this side", ErrInvalidBatch, k)
		}
		if k.atMostOnce() && l.started[k] {
			return fmt.Errorf("%w: %v already started on call", ErrDuplicateOp, k)
		}
		if l.inFlight[k] {
			return fmt.Errorf("%w: %v", ErrOpInFlight, k)
		}
	}
	if inBatch[opSendMessage] && !l.started[opSendInitialMetadata] && !inBatch[opSendInitialMetadata] {
		return fmt.Errorf("%w: send_message before send_initial_metadata", ErrInvalidBatch)
	}
	if client && inBatch[opSendCloseFromClient] && !l.started[opSendInitialMetadata] && !inBatch[opSendInitialMetadata] {
		return fmt.Errorf("%w: send_close_from_client before send_initial_metadata", ErrInvalidBatch)
	}
	for _, op := range ops {
		l.started[op.kind] = true
		l.inFlight[op.kind] = true
	}
	return nil
}

// finish clears the in-flight mark for one op kind. Callers hold the
// call lock.
func (l *opLifetime) finish(k opKind) {
	l.inFlight[k] = false
}
