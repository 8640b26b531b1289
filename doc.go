// Package grpccore is a completion-queue-driven gRPC core over HTTP/2.
//
// The package implements the three load-bearing subsystems of an RPC
// framework: the call engine that dispatches application-submitted
// operation batches onto transport streams, the server core that
// demultiplexes inbound HTTP/2 streams into registered methods, and the
// client channel that maintains name resolution, load balancing, and
// subchannel connectivity. Messages cross the core as opaque byte slices;
// codecs, generated stubs, credentials, and interceptors are external
// collaborators.
//
// # Completion queues
//
// All asynchronous work completes onto a [CompletionQueue]. Every accepted
// batch yields exactly one (tag, ok) event; server request-call tags are
// delivered the same way. Application threads drain queues with
// [CompletionQueue.Next].
//
// # Client side
//
// [Dial] creates a [Channel] for a target. Each RPC is a [ClientCall]
// bound to a completion queue; the application drives it with
// [ClientCall.StartBatch] using the Op constructors ([OpSendMessage],
// [OpRecvMessage], and friends). The channel picks a subchannel for each
// call via the current load-balancing picker, parking calls while no
// subchannel is usable.
//
// # Server side
//
// [NewServer] builds a [Server]; methods are registered up front and
// inbound streams pair FIFO with application-posted request-call tags
// ([Server.RequestRegisteredCall]). The paired [ServerCall] is driven with
// the same batch API.
package grpccore
