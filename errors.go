package grpccore

import "errors"

var (
	// ErrChannelClosed is returned when starting work on a closed
	// channel.
	ErrChannelClosed = errors.New("grpccore: channel is closed")
	// ErrCallDone reports a call that has already completed. StartBatch
	// does not return it: a batch started after completion is accepted
	// and settled against the call's final state.
	ErrCallDone = errors.New("grpccore: call already completed")
	// ErrQueueShutdown is returned when new work is bound to a
	// completion queue that has begun shutting down.
	ErrQueueShutdown = errors.New("grpccore: completion queue is shut down")
	// ErrServerStarted is returned for configuration attempted after
	// Server.Start.
	ErrServerStarted = errors.New("grpccore: server already started")
	// ErrServerStopped is returned when starting work on a stopped
	// server.
	ErrServerStopped = errors.New("grpccore: server stopped")
	// ErrDuplicateOp is returned when a batch repeats an op kind, or
	// repeats an at-most-once op across the call's lifetime.
	ErrDuplicateOp = errors.New("grpccore: duplicate operation")
	// ErrOpInFlight is returned when a batch starts an op kind that is
	// already in flight on the call.
	ErrOpInFlight = errors.New("grpccore: operation already in flight")
	// ErrInvalidBatch is returned for structurally invalid batches.
	ErrInvalidBatch = errors.New("grpccore: invalid batch")
)
