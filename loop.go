package grpccore

import (
	"context"

	"github.com/joeycumines/go-eventloop"
)

// Loop is the serialized work scheduler a channel runs its control-plane
// callbacks on: resolver updates, balancer calls, subchannel state
// listeners, and picker publication all execute on the loop, one task at
// a time.
//
// [eventloop.Loop] satisfies the interface; channels without an explicit
// [WithLoop] option own a private one.
type Loop interface {
	// Submit schedules fn for execution on the loop. It returns an
	// error only if the loop has terminated.
	Submit(fn func()) error
}

// ownedLoop is the default loop: a private eventloop with its lifecycle
// tied to the channel.
type ownedLoop struct {
	loop   *eventloop.Loop
	cancel context.CancelFunc
}

func newOwnedLoop() (*ownedLoop, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	return &ownedLoop{loop: loop, cancel: cancel}, nil
}

func (l *ownedLoop) Submit(fn func()) error { return l.loop.Submit(fn) }

func (l *ownedLoop) stop() {
	l.cancel()
}
