package grpccore_test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	grpccore "github.com/joeycumines/go-grpccore"
	"github.com/joeycumines/go-grpccore/connectivity"
)

const echoMethod = "/echo.Echo/Unary"

var tagCounter atomic.Int64

func nextTag() int64 { return tagCounter.Add(1) }

// dispatcher drains one completion queue and routes events to per-tag
// channels, so concurrent test goroutines can share a queue.
type dispatcher struct {
	t  *testing.T
	cq *grpccore.CompletionQueue

	mu sync.Mutex
	m  map[any]chan bool
}

func newDispatcher(t *testing.T, cq *grpccore.CompletionQueue) *dispatcher {
	d := &dispatcher{t: t, cq: cq, m: make(map[any]chan bool)}
	go func() {
		for {
			ev, res := cq.Next(time.Time{})
			if res == grpccore.QueueShutdown {
				return
			}
			d.mu.Lock()
			ch := d.m[ev.Tag]
			delete(d.m, ev.Tag)
			d.mu.Unlock()
			if ch == nil {
				t.Errorf("completion for unexpected tag %v", ev.Tag)
				continue
			}
			ch <- ev.OK
		}
	}()
	return d
}

// register must be called before the operation that will complete the
// tag is started.
func (d *dispatcher) register(tag any) <-chan bool {
	ch := make(chan bool, 1)
	d.mu.Lock()
	d.m[tag] = ch
	d.mu.Unlock()
	return ch
}

func waitOK(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case ok := <-ch:
		return ok
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for completion event")
		return false
	}
}

// echoServer serves echoMethod, replying to each message with its own id
// prepended.
type echoServer struct {
	t    *testing.T
	id   string
	srv  *grpccore.Server
	cq   *grpccore.CompletionQueue
	disp *dispatcher
	m    *grpccore.RegisteredMethod
	port int
	// handle overrides the default echo behavior when set.
	handle func(out *grpccore.RequestedCall)
}

func startEchoServer(t *testing.T, id string) *echoServer {
	t.Helper()
	srv, err := grpccore.NewServer()
	require.NoError(t, err)
	cq := grpccore.NewServerCompletionQueue()
	require.NoError(t, srv.RegisterCompletionQueue(cq))
	m, err := srv.RegisterMethod(echoMethod, "", grpccore.PayloadNone, false)
	require.NoError(t, err)
	port, err := srv.AddListeningPort("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	es := &echoServer{t: t, id: id, srv: srv, cq: cq, m: m, port: port}
	es.disp = newDispatcher(t, cq)
	go es.serveLoop()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		cq.Shutdown()
	})
	return es
}

func (es *echoServer) addr() string { return fmt.Sprintf("127.0.0.1:%d", es.port) }

func (es *echoServer) serveLoop() {
	for {
		var out grpccore.RequestedCall
		tag := nextTag()
		ch := es.disp.register(tag)
		if err := es.srv.RequestRegisteredCall(es.m, es.cq, tag, &out); err != nil {
			return
		}
		if ok := <-ch; !ok {
			return
		}
		if es.handle != nil {
			go es.handle(&out)
			continue
		}
		go es.echo(&out)
	}
}

func (es *echoServer) echo(out *grpccore.RequestedCall) {
	call := out.Call
	var req []byte
	rtag := nextTag()
	rch := es.disp.register(rtag)
	if err := call.StartBatch([]grpccore.Op{grpccore.OpRecvMessage(&req)}, rtag); err != nil {
		return
	}
	if ok := <-rch; !ok {
		return
	}
	stag := nextTag()
	sch := es.disp.register(stag)
	md := metadata.MD{"echo-server": []string{es.id}}
	trailers := metadata.MD{"echo-trailer": []string{es.id}}
	err := call.StartBatch([]grpccore.Op{
		grpccore.OpSendInitialMetadata(md),
		grpccore.OpSendMessage(append([]byte(es.id+":"), req...)),
		grpccore.OpSendStatusFromServer(status.New(codes.OK, ""), trailers),
	}, stag)
	if err != nil {
		return
	}
	<-sch
}

// dialEcho dials a target and hands back a channel, queue, and
// dispatcher with cleanup registered.
func dialEcho(t *testing.T, target string, opts ...grpccore.DialOption) (*grpccore.Channel, *grpccore.CompletionQueue, *dispatcher) {
	t.Helper()
	ch, err := grpccore.Dial(target, opts...)
	require.NoError(t, err)
	cq := grpccore.NewCompletionQueue()
	disp := newDispatcher(t, cq)
	t.Cleanup(func() {
		ch.Close()
		cq.Shutdown()
	})
	return ch, cq, disp
}

// unaryEcho runs one full unary exchange and returns the reply and
// terminal status.
func unaryEcho(t *testing.T, ch *grpccore.Channel, cq *grpccore.CompletionQueue, disp *dispatcher, msg string, copts ...grpccore.CallOption) ([]byte, grpccore.RecvStatus) {
	t.Helper()
	call, err := ch.NewCall(cq, echoMethod, copts...)
	require.NoError(t, err)
	var (
		hdr   metadata.MD
		reply []byte
		rs    grpccore.RecvStatus
	)
	tag := nextTag()
	done := disp.register(tag)
	err = call.StartBatch([]grpccore.Op{
		grpccore.OpSendInitialMetadata(nil),
		grpccore.OpSendMessage([]byte(msg)),
		grpccore.OpSendCloseFromClient(),
		grpccore.OpRecvInitialMetadata(&hdr),
		grpccore.OpRecvMessage(&reply),
		grpccore.OpRecvStatusOnClient(&rs),
	}, tag)
	require.NoError(t, err)
	waitOK(t, done)
	return reply, rs
}

func TestEnd2End_UnaryEcho(t *testing.T) {
	es := startEchoServer(t, "s1")
	ch, cq, disp := dialEcho(t, "passthrough:///"+es.addr())

	call, err := ch.NewCall(cq, echoMethod)
	require.NoError(t, err)

	var (
		hdr   metadata.MD
		reply []byte
		rs    grpccore.RecvStatus
	)
	tag := nextTag()
	done := disp.register(tag)
	err = call.StartBatch([]grpccore.Op{
		grpccore.OpSendInitialMetadata(metadata.MD{
			"custom-key": []string{"v1", "v2"},
			"blob-bin":   []string{"\x00\x01\x02"},
		}),
		grpccore.OpSendMessage([]byte("Hello")),
		grpccore.OpSendCloseFromClient(),
		grpccore.OpRecvInitialMetadata(&hdr),
		grpccore.OpRecvMessage(&reply),
		grpccore.OpRecvStatusOnClient(&rs),
	}, tag)
	require.NoError(t, err)

	require.True(t, waitOK(t, done), "unary batch must complete ok")
	require.Equal(t, "s1:Hello", string(reply))
	require.Equal(t, codes.OK, rs.Status.Code())
	require.Equal(t, []string{"s1"}, hdr["echo-server"])
	require.Equal(t, []string{"s1"}, rs.Trailers["echo-trailer"])
}

func TestEnd2End_MetadataRoundTrip(t *testing.T) {
	es := startEchoServer(t, "s1")

	var gotMD metadata.MD
	var mu sync.Mutex
	es.handle = func(out *grpccore.RequestedCall) {
		mu.Lock()
		gotMD = out.Metadata
		mu.Unlock()
		es.echo(out)
	}

	ch, cq, disp := dialEcho(t, "passthrough:///"+es.addr())
	call, err := ch.NewCall(cq, echoMethod)
	require.NoError(t, err)

	var reply []byte
	var rs grpccore.RecvStatus
	tag := nextTag()
	done := disp.register(tag)
	require.NoError(t, call.StartBatch([]grpccore.Op{
		grpccore.OpSendInitialMetadata(metadata.MD{
			"custom-key": []string{"v1", "v2"},
			"blob-bin":   []string{"\x00\xff\x10"},
		}),
		grpccore.OpSendMessage([]byte("x")),
		grpccore.OpSendCloseFromClient(),
		grpccore.OpRecvMessage(&reply),
		grpccore.OpRecvStatusOnClient(&rs),
	}, tag))
	require.True(t, waitOK(t, done))

	mu.Lock()
	defer mu.Unlock()
	// Every posted pair arrives exactly once; the transport may add
	// its own keys, hence superset.
	require.Equal(t, []string{"v1", "v2"}, gotMD["custom-key"])
	require.Equal(t, []string{"\x00\xff\x10"}, gotMD["blob-bin"])
}

func TestEnd2End_ServerStreaming(t *testing.T) {
	es := startEchoServer(t, "s1")
	es.handle = func(out *grpccore.RequestedCall) {
		call := out.Call
		for i := 0; i < 3; i++ {
			tag := nextTag()
			ch := es.disp.register(tag)
			ops := []grpccore.Op{grpccore.OpSendMessage([]byte(fmt.Sprintf("msg-%d", i)))}
			if i == 0 {
				ops = append([]grpccore.Op{grpccore.OpSendInitialMetadata(nil)}, ops...)
			}
			if err := call.StartBatch(ops, tag); err != nil {
				return
			}
			if ok := <-ch; !ok {
				return
			}
		}
		tag := nextTag()
		ch := es.disp.register(tag)
		if err := call.StartBatch([]grpccore.Op{
			grpccore.OpSendStatusFromServer(status.New(codes.OK, ""), nil),
		}, tag); err != nil {
			return
		}
		<-ch
	}

	ch, cq, disp := dialEcho(t, "passthrough:///"+es.addr())
	call, err := ch.NewCall(cq, echoMethod)
	require.NoError(t, err)

	tag := nextTag()
	done := disp.register(tag)
	require.NoError(t, call.StartBatch([]grpccore.Op{
		grpccore.OpSendInitialMetadata(nil),
		grpccore.OpSendCloseFromClient(),
	}, tag))
	require.True(t, waitOK(t, done))

	// Successive recv-message batches: ok, ok, ok, then false past
	// end-of-stream.
	var got []string
	for i := 0; i < 4; i++ {
		var msg []byte
		tag := nextTag()
		done := disp.register(tag)
		require.NoError(t, call.StartBatch([]grpccore.Op{grpccore.OpRecvMessage(&msg)}, tag))
		ok := waitOK(t, done)
		if i < 3 {
			require.True(t, ok, "message %d", i)
			got = append(got, string(msg))
		} else {
			require.False(t, ok, "read past end-of-stream must fail")
			require.Nil(t, msg)
		}
	}
	require.Equal(t, []string{"msg-0", "msg-1", "msg-2"}, got)

	var rs grpccore.RecvStatus
	tag = nextTag()
	done = disp.register(tag)
	require.NoError(t, call.StartBatch([]grpccore.Op{grpccore.OpRecvStatusOnClient(&rs)}, tag))
	require.True(t, waitOK(t, done))
	require.Equal(t, codes.OK, rs.Status.Code())
}

func TestEnd2End_DeadlineExceeded(t *testing.T) {
	es := startEchoServer(t, "s1")
	serverSawCancel := make(chan bool, 1)
	es.handle = func(out *grpccore.RequestedCall) {
		call := out.Call
		var cancelled bool
		tag := nextTag()
		ch := es.disp.register(tag)
		if err := call.StartBatch([]grpccore.Op{grpccore.OpRecvCloseOnServer(&cancelled)}, tag); err != nil {
			return
		}
		<-ch
		serverSawCancel <- cancelled
	}

	ch, cq, disp := dialEcho(t, "passthrough:///"+es.addr())
	call, err := ch.NewCall(cq, echoMethod, grpccore.WithTimeout(500*time.Millisecond))
	require.NoError(t, err)

	tagA := nextTag()
	doneA := disp.register(tagA)
	require.NoError(t, call.StartBatch([]grpccore.Op{
		grpccore.OpSendInitialMetadata(nil),
		grpccore.OpSendMessage([]byte("slow")),
		grpccore.OpSendCloseFromClient(),
	}, tagA))
	waitOK(t, doneA)

	var rs grpccore.RecvStatus
	tagB := nextTag()
	doneB := disp.register(tagB)
	require.NoError(t, call.StartBatch([]grpccore.Op{grpccore.OpRecvStatusOnClient(&rs)}, tagB))
	require.True(t, waitOK(t, doneB), "trailing status batch completes ok")
	require.Equal(t, codes.DeadlineExceeded, rs.Status.Code())

	select {
	case cancelled := <-serverSawCancel:
		require.True(t, cancelled, "server must observe recv_close_on_server cancelled=true")
	case <-time.After(10 * time.Second):
		t.Fatal("server never observed cancellation")
	}
}

func TestEnd2End_ServerCancellation(t *testing.T) {
	es := startEchoServer(t, "s1")
	es.handle = func(out *grpccore.RequestedCall) {
		out.Call.Cancel()
	}

	ch, cq, disp := dialEcho(t, "passthrough:///"+es.addr())
	call, err := ch.NewCall(cq, echoMethod)
	require.NoError(t, err)

	tagA := nextTag()
	doneA := disp.register(tagA)
	require.NoError(t, call.StartBatch([]grpccore.Op{
		grpccore.OpSendInitialMetadata(nil),
	}, tagA))
	waitOK(t, doneA)

	var msg []byte
	tagM := nextTag()
	doneM := disp.register(tagM)
	require.NoError(t, call.StartBatch([]grpccore.Op{grpccore.OpRecvMessage(&msg)}, tagM))

	var rs grpccore.RecvStatus
	tagB := nextTag()
	doneB := disp.register(tagB)
	require.NoError(t, call.StartBatch([]grpccore.Op{grpccore.OpRecvStatusOnClient(&rs)}, tagB))

	require.False(t, waitOK(t, doneM), "in-flight recv fails on cancellation")
	require.True(t, waitOK(t, doneB))
	require.Equal(t, codes.Cancelled, rs.Status.Code())
}

func TestEnd2End_PickFirstFallsBackToSecondAddress(t *testing.T) {
	// Reserve a port with nothing listening behind it.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := lis.Addr().String()
	lis.Close()

	es := startEchoServer(t, "up")
	target := fmt.Sprintf("list:///%s,%s", deadAddr, es.addr())
	ch, cq, disp := dialEcho(t, target)

	reply, rs := unaryEcho(t, ch, cq, disp, "ping", grpccore.WithWaitForReady(true))
	require.Equal(t, codes.OK, rs.Status.Code(), "first wait-for-ready RPC must not surface the dead address")
	require.Equal(t, "up:ping", string(reply))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for state := ch.State(); state != connectivity.Ready; state = ch.State() {
		require.True(t, ch.WaitForStateChange(ctx, state), "channel never reached READY")
	}
}

func TestEnd2End_RoundRobinBalancing(t *testing.T) {
	backends := []*echoServer{
		startEchoServer(t, "b0"),
		startEchoServer(t, "b1"),
		startEchoServer(t, "b2"),
	}
	target := fmt.Sprintf("list:///%s,%s,%s", backends[0].addr(), backends[1].addr(), backends[2].addr())
	ch, cq, disp := dialEcho(t, target,
		grpccore.WithDefaultServiceConfig(`{"loadBalancingConfig":[{"round_robin":{}}]}`),
	)

	backendOf := func(reply []byte) string {
		for i := 0; i < len(reply); i++ {
			if reply[i] == ':' {
				return string(reply[:i])
			}
		}
		return string(reply)
	}

	// Wait until the rotation includes all three backends.
	full := false
	deadline := time.Now().Add(10 * time.Second)
	for !full && time.Now().Before(deadline) {
		seen := map[string]bool{}
		for i := 0; i < 3; i++ {
			reply, rs := unaryEcho(t, ch, cq, disp, "warm", grpccore.WithWaitForReady(true))
			require.Equal(t, codes.OK, rs.Status.Code())
			seen[backendOf(reply)] = true
		}
		full = len(seen) == 3
		if !full {
			time.Sleep(50 * time.Millisecond)
		}
	}
	require.True(t, full, "rotation never included all backends")

	// Six RPCs distribute 2-2-2 across the three backends.
	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		reply, rs := unaryEcho(t, ch, cq, disp, "lb", grpccore.WithWaitForReady(true))
		require.Equal(t, codes.OK, rs.Status.Code())
		counts[backendOf(reply)]++
	}
	require.Len(t, counts, 3)
	for id, n := range counts {
		require.Equal(t, 2, n, "backend %s", id)
	}

	// Take b0 down; traffic splits across the remaining two and the
	// channel stays READY.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	backends[0].srv.Shutdown(ctx)

	seen := map[string]bool{}
	deadline = time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		reply, rs := unaryEcho(t, ch, cq, disp, "post", grpccore.WithWaitForReady(true))
		if rs.Status.Code() != codes.OK {
			// A stream may race the dying connection before the
			// policy drops it from rotation.
			continue
		}
		id := backendOf(reply)
		require.NotEqual(t, "b0", id, "dead backend still picked")
		seen[id] = true
		if len(seen) == 2 {
			break
		}
	}
	require.Len(t, seen, 2)
	require.Equal(t, connectivity.Ready, ch.State())
}

func TestEnd2End_IdleTimeout(t *testing.T) {
	es := startEchoServer(t, "s1")
	ch, cq, disp := dialEcho(t, "passthrough:///"+es.addr(),
		grpccore.WithIdleTimeout(300*time.Millisecond),
	)

	_, rs := unaryEcho(t, ch, cq, disp, "one", grpccore.WithWaitForReady(true))
	require.Equal(t, codes.OK, rs.Status.Code())

	// With no traffic the channel drops to IDLE.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for state := ch.State(); state != connectivity.Idle; state = ch.State() {
		require.True(t, ch.WaitForStateChange(ctx, state), "channel never went idle")
	}

	// The next call revives the control plane.
	reply, rs2 := unaryEcho(t, ch, cq, disp, "two", grpccore.WithWaitForReady(true))
	require.Equal(t, codes.OK, rs2.Status.Code())
	require.Equal(t, "s1:two", string(reply))
}

func TestEnd2End_UnimplementedMethod(t *testing.T) {
	es := startEchoServer(t, "s1")
	ch, cq, disp := dialEcho(t, "passthrough:///"+es.addr())
	call, err := ch.NewCall(cq, "/no.such.Service/Method")
	require.NoError(t, err)

	var rs grpccore.RecvStatus
	tag := nextTag()
	done := disp.register(tag)
	require.NoError(t, call.StartBatch([]grpccore.Op{
		grpccore.OpSendInitialMetadata(nil),
		grpccore.OpSendCloseFromClient(),
		grpccore.OpRecvStatusOnClient(&rs),
	}, tag))
	require.True(t, waitOK(t, done))
	require.Equal(t, codes.Unimplemented, rs.Status.Code())
}

func TestEnd2End_CompletionQueueShutdownDrains(t *testing.T) {
	es := startEchoServer(t, "s1")
	ch, err := grpccore.Dial("passthrough:///" + es.addr())
	require.NoError(t, err)
	defer ch.Close()

	cq := grpccore.NewCompletionQueue()
	disp := newDispatcher(t, cq)
	_, rs := unaryEcho(t, ch, cq, disp, "bye")
	require.Equal(t, codes.OK, rs.Status.Code())

	cq.Shutdown()
	done := make(chan struct{})
	go func() {
		// The dispatcher goroutine observes QueueShutdown and
		// exits; a direct Next must see the same.
		for {
			if _, res := cq.Next(time.Time{}); res == grpccore.QueueShutdown {
				close(done)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("completion queue never drained to SHUTDOWN")
	}
}
