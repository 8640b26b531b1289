package transport

import (
	"io"
	"testing"

	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMsgAssembler_SingleMessage(t *testing.T) {
	a := msgAssembler{maxMsgSize: defaultMaxRecvMsgSize}
	msgs, err := a.push(frameMessage([]byte("hello")))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || string(msgs[0]) != "hello" {
		t.Fatalf("msgs: %q", msgs)
	}
	if a.incomplete() {
		t.Fatal("assembler reports incomplete after full message")
	}
}

func TestMsgAssembler_SplitAcrossFrames(t *testing.T) {
	a := msgAssembler{maxMsgSize: defaultMaxRecvMsgSize}
	framed := frameMessage([]byte("split message"))
	for i := 0; i < len(framed); i++ {
		// Feed one byte at a time; only the last push completes.
		msgs, err := a.push(framed[i : i+1])
		if err != nil {
			t.Fatal(err)
		}
		if i < len(framed)-1 {
			if len(msgs) != 0 {
				t.Fatalf("premature message at byte %d", i)
			}
			if !a.incomplete() && i >= 1 {
				t.Fatalf("not incomplete at byte %d", i)
			}
		} else if len(msgs) != 1 || string(msgs[0]) != "split message" {
			t.Fatalf("final push: %q", msgs)
		}
	}
}

func TestMsgAssembler_MultipleMessagesOnePush(t *testing.T) {
	a := msgAssembler{maxMsgSize: defaultMaxRecvMsgSize}
	buf := append(frameMessage([]byte("one")), frameMessage([]byte("two"))...)
	buf = append(buf, frameMessage(nil)...)
	msgs, err := a.push(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || string(msgs[0]) != "one" || string(msgs[1]) != "two" || len(msgs[2]) != 0 {
		t.Fatalf("msgs: %q", msgs)
	}
}

func TestMsgAssembler_TooLarge(t *testing.T) {
	a := msgAssembler{maxMsgSize: 4}
	_, err := a.push(frameMessage([]byte("five!")))
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("err = %v, want ResourceExhausted", err)
	}
}

func TestMsgAssembler_CompressedFlagRejected(t *testing.T) {
	a := msgAssembler{maxMsgSize: 1024}
	framed := frameMessage([]byte("x"))
	framed[0] = 1
	_, err := a.push(framed)
	if status.Code(err) != codes.Internal {
		t.Fatalf("err = %v, want Internal", err)
	}
}

func TestRecvBuffer_BufferThenDrain(t *testing.T) {
	var b recvBuffer
	b.put([]byte("a"))
	b.put([]byte("b"))
	b.close(nil)

	var got []string
	var errs []error
	for i := 0; i < 3; i++ {
		b.recv(func(msg []byte, err error) {
			if err != nil {
				errs = append(errs, err)
				return
			}
			got = append(got, string(msg))
		})
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("messages: %v", got)
	}
	if len(errs) != 1 || errs[0] != io.EOF {
		t.Fatalf("errors: %v", errs)
	}
}

func TestRecvBuffer_WaiterDelivery(t *testing.T) {
	var b recvBuffer
	var got string
	b.recv(func(msg []byte, err error) { got = string(msg) })
	b.put([]byte("later"))
	if got != "later" {
		t.Fatalf("waiter got %q", got)
	}
}

func TestRecvBuffer_ErrorClosePreemptsBuffer(t *testing.T) {
	var b recvBuffer
	b.put([]byte("never seen"))
	wantErr := status.Error(codes.Canceled, "cancelled")
	b.close(wantErr)
	var gotErr error
	b.recv(func(msg []byte, err error) { gotErr = err })
	if gotErr != wantErr {
		t.Fatalf("err = %v", gotErr)
	}
}

func TestDecodeHeaderFields_Request(t *testing.T) {
	p := decodeHeaderFields([]hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: "/echo.Echo/Unary"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":scheme", Value: "http"},
		{Name: "content-type", Value: "application/grpc"},
		{Name: "te", Value: "trailers"},
		{Name: "grpc-timeout", Value: "500m"},
		{Name: "custom-key", Value: "v1"},
		{Name: "custom-key", Value: "v2"},
		{Name: "blob-bin", Value: "AQID"},
	})
	if p.parseErr != nil {
		t.Fatal(p.parseErr)
	}
	if p.method != "POST" || p.path != "/echo.Echo/Unary" || p.authority != "example.com" {
		t.Fatalf("pseudo-headers: %+v", p)
	}
	if !p.timeoutSet || p.timeout.Milliseconds() != 500 {
		t.Fatalf("timeout: %+v", p)
	}
	if got := p.md["custom-key"]; len(got) != 2 || got[0] != "v1" || got[1] != "v2" {
		t.Fatalf("metadata: %v", p.md)
	}
	if got := p.md["blob-bin"]; len(got) != 1 || got[0] != "\x01\x02\x03" {
		t.Fatalf("binary metadata: %q", p.md["blob-bin"])
	}
}

func TestDecodeHeaderFields_TrailerStatus(t *testing.T) {
	p := decodeHeaderFields([]hpack.HeaderField{
		{Name: "grpc-status", Value: "5"},
		{Name: "grpc-message", Value: "not%20found"},
	})
	st := p.trailerStatus()
	if st.Code() != codes.NotFound || st.Message() != "not found" {
		t.Fatalf("status: %v", st)
	}

	missing := decodeHeaderFields(nil)
	if got := missing.trailerStatus(); got.Code() != codes.Internal {
		t.Fatalf("missing grpc-status: %v", got)
	}
}

func TestValidateContentType(t *testing.T) {
	for _, ok := range []string{"application/grpc", "application/grpc+proto", "application/grpc;x=y"} {
		if err := validateContentType(ok); err != nil {
			t.Errorf("%q rejected: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "text/html", "application/grpcx", "application/json"} {
		if err := validateContentType(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

func TestIsReservedHeader(t *testing.T) {
	for _, k := range []string{":path", "content-type", "te", "grpc-status", "grpc-anything"} {
		if !isReservedHeader(k) {
			t.Errorf("%q not reserved", k)
		}
	}
	for _, k := range []string{"custom-key", "x-request-id", "blob-bin"} {
		if isReservedHeader(k) {
			t.Errorf("%q reserved", k)
		}
	}
}
