package grpccore

import (
	"sync"
	"time"
)

// Event is one completion delivered on a queue: the application's opaque
// tag and whether every operation in the batch succeeded.
type Event struct {
	Tag any
	OK  bool
}

// NextResult discriminates the outcomes of [CompletionQueue.Next].
type NextResult int

const (
	// GotEvent means an event was delivered.
	GotEvent NextResult = iota
	// Timeout means the deadline elapsed with no event.
	Timeout
	// QueueShutdown means the queue has shut down and drained; no
	// further events will ever arrive.
	QueueShutdown
)

// CompletionQueue is the ordered delivery point for batch completions
// and, for server queues, request-call events. Any number of goroutines
// may call Next concurrently; each event is delivered to exactly one.
//
// Events are FIFO per producer. No ordering is guaranteed across
// producers beyond the per-call batch ordering the call engine enforces.
type CompletionQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	events   []Event
	shutdown bool
	// pending counts accepted-but-undelivered completions, so shutdown
	// reports only after every outstanding batch has delivered.
	pending int
	// server marks a queue that may carry request-call tags.
	server bool
}

// NewCompletionQueue creates a consumer-drained queue for client use.
func NewCompletionQueue() *CompletionQueue {
	cq := &CompletionQueue{}
	cq.cond = sync.NewCond(&cq.mu)
	return cq
}

// NewServerCompletionQueue creates a queue that additionally accepts
// server request-call tags. It must be registered with the server before
// use.
func NewServerCompletionQueue() *CompletionQueue {
	cq := NewCompletionQueue()
	cq.server = true
	return cq
}

// Next blocks until an event is available, the deadline elapses, or the
// queue shuts down and drains. A zero deadline waits forever.
func (cq *CompletionQueue) Next(deadline time.Time) (Event, NextResult) {
	var timer *time.Timer
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		// There is no timed wait on a cond; a timer wakeup stands in.
		timer = time.AfterFunc(d, func() {
			cq.mu.Lock()
			cq.cond.Broadcast()
			cq.mu.Unlock()
		})
		defer timer.Stop()
	}
	cq.mu.Lock()
	defer cq.mu.Unlock()
	for {
		if len(cq.events) > 0 {
			ev := cq.events[0]
			cq.events = cq.events[1:]
			cq.pending--
			if cq.shutdown {
				cq.cond.Broadcast()
			}
			return ev, GotEvent
		}
		if cq.shutdown && cq.pending == 0 {
			return Event{}, QueueShutdown
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return Event{}, Timeout
		}
		cq.cond.Wait()
	}
}

// Shutdown begins queue shutdown. It is one-way and idempotent: already
// accepted completions are still delivered, new event sources are
// refused, and once the queue drains Next returns [QueueShutdown].
func (cq *CompletionQueue) Shutdown() {
	cq.mu.Lock()
	cq.shutdown = true
	cq.cond.Broadcast()
	cq.mu.Unlock()
}

// reserve registers an upcoming completion. It fails once shutdown has
// been requested, preventing new event sources.
func (cq *CompletionQueue) reserve() error {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.shutdown {
		return ErrQueueShutdown
	}
	cq.pending++
	return nil
}

// unreserve releases a reservation whose event will never be produced
// (for example, a batch that failed validation after reserving).
func (cq *CompletionQueue) unreserve() {
	cq.mu.Lock()
	cq.pending--
	cq.cond.Broadcast()
	cq.mu.Unlock()
}

// enqueue fulfills a reservation.
func (cq *CompletionQueue) enqueue(tag any, ok bool) {
	cq.mu.Lock()
	cq.events = append(cq.events, Event{Tag: tag, OK: ok})
	cq.cond.Signal()
	cq.mu.Unlock()
}
