package grpccore

import (
	"sync"
	"testing"
	"time"
)

func TestCompletionQueue_FIFO(t *testing.T) {
	cq := NewCompletionQueue()
	for i := 0; i < 3; i++ {
		if err := cq.reserve(); err != nil {
			t.Fatal(err)
		}
	}
	cq.enqueue("a", true)
	cq.enqueue("b", false)
	cq.enqueue("c", true)
	want := []Event{{"a", true}, {"b", false}, {"c", true}}
	for i, w := range want {
		ev, res := cq.Next(time.Time{})
		if res != GotEvent || ev != w {
			t.Fatalf("event %d: %+v (%v), want %+v", i, ev, res, w)
		}
	}
}

func TestCompletionQueue_Timeout(t *testing.T) {
	cq := NewCompletionQueue()
	start := time.Now()
	_, res := cq.Next(start.Add(50 * time.Millisecond))
	if res != Timeout {
		t.Fatalf("res = %v, want Timeout", res)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("returned before deadline")
	}
}

func TestCompletionQueue_ImmediateTimeout(t *testing.T) {
	cq := NewCompletionQueue()
	if _, res := cq.Next(time.Now().Add(-time.Second)); res != Timeout {
		t.Fatalf("res = %v, want Timeout", res)
	}
}

func TestCompletionQueue_BlocksUntilEvent(t *testing.T) {
	cq := NewCompletionQueue()
	if err := cq.reserve(); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cq.enqueue("late", true)
	}()
	ev, res := cq.Next(time.Now().Add(5 * time.Second))
	if res != GotEvent || ev.Tag != "late" {
		t.Fatalf("got %+v (%v)", ev, res)
	}
}

func TestCompletionQueue_ShutdownDrains(t *testing.T) {
	cq := NewCompletionQueue()
	for i := 0; i < 2; i++ {
		if err := cq.reserve(); err != nil {
			t.Fatal(err)
		}
	}
	cq.enqueue("x", true)
	cq.Shutdown()

	// Reservations after shutdown are refused.
	if err := cq.reserve(); err != ErrQueueShutdown {
		t.Fatalf("reserve after shutdown: %v", err)
	}

	// The delivered-but-queued event still comes out.
	ev, res := cq.Next(time.Time{})
	if res != GotEvent || ev.Tag != "x" {
		t.Fatalf("got %+v (%v)", ev, res)
	}

	// One reservation is outstanding: Next must wait for it, not
	// report shutdown early.
	done := make(chan NextResult, 1)
	go func() {
		_, res := cq.Next(time.Time{})
		done <- res
	}()
	select {
	case <-done:
		t.Fatal("Next returned before outstanding completion delivered")
	case <-time.After(30 * time.Millisecond):
	}
	cq.enqueue("y", false)
	if res := <-done; res != GotEvent {
		t.Fatalf("res = %v", res)
	}

	// Fully drained: shutdown reported.
	if _, res := cq.Next(time.Time{}); res != QueueShutdown {
		t.Fatalf("res = %v, want QueueShutdown", res)
	}
	if _, res := cq.Next(time.Time{}); res != QueueShutdown {
		t.Fatalf("second res = %v, want QueueShutdown", res)
	}
}

func TestCompletionQueue_UnreserveUnblocksShutdown(t *testing.T) {
	cq := NewCompletionQueue()
	if err := cq.reserve(); err != nil {
		t.Fatal(err)
	}
	cq.Shutdown()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, res := cq.Next(time.Time{}); res != QueueShutdown {
			t.Errorf("res = %v", res)
		}
	}()
	cq.unreserve()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not observe shutdown after unreserve")
	}
}

func TestCompletionQueue_ConcurrentConsumers(t *testing.T) {
	cq := NewCompletionQueue()
	const n = 100
	for i := 0; i < n; i++ {
		if err := cq.reserve(); err != nil {
			t.Fatal(err)
		}
	}
	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ev, res := cq.Next(time.Time{})
				if res == QueueShutdown {
					return
				}
				mu.Lock()
				i := ev.Tag.(int)
				if seen[i] {
					t.Errorf("tag %d delivered twice", i)
				}
				seen[i] = true
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < n; i++ {
		cq.enqueue(i, true)
	}
	cq.Shutdown()
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("delivered %d events, want %d", len(seen), n)
	}
}
