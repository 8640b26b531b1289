// Package transport implements the HTTP/2 transport layer: client and
// server transports multiplexing gRPC-framed streams over one connection,
// with flow control, keepalive, and GOAWAY-aware draining.
//
// The call engine drives streams through callback-based APIs: writes
// complete when the transport has accepted the bytes, reads complete when
// a full message has been parsed off the wire. All callbacks are invoked
// without transport-internal locks held.
package transport

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrConnClosing indicates the transport is closing and accepts no
	// new streams. Failures with this cause are safe to retry on
	// another transport.
	ErrConnClosing = errors.New("transport: connection is closing")
	// ErrConnDraining indicates the peer sent GOAWAY; new streams must
	// go elsewhere.
	ErrConnDraining = errors.New("transport: connection is draining")
	// ErrStreamDone indicates the stream has already terminated.
	ErrStreamDone = errors.New("transport: stream is done")
)

const (
	// initialWindowSize is the HTTP/2 default flow-control window.
	initialWindowSize = 65535
	// defaultWindowSize is the window this transport advertises for
	// both streams and the connection.
	defaultWindowSize = 1 << 20
	// defaultMaxRecvMsgSize bounds a single decoded message.
	defaultMaxRecvMsgSize = 4 << 20
	// maxHeaderListSize bounds the decoded header block we accept.
	maxHeaderListSize = 16 << 10
	// msgHeaderLen is the gRPC length-prefixed message header:
	// 1-byte compressed flag, 4-byte big-endian length.
	msgHeaderLen = 5
)

// CallHdr describes an outbound RPC for ClientTransport.NewStream.
type CallHdr struct {
	// Method is the full method path, "/service/method".
	Method string
	// Authority is the :authority pseudo-header value.
	Authority string
	// Timeout, when positive, is encoded as grpc-timeout.
	Timeout time.Duration
}

// http2ErrConvTab maps inbound RST_STREAM codes to status codes.
var http2ErrConvTab = map[http2.ErrCode]codes.Code{
	http2.ErrCodeNo:                 codes.Internal,
	http2.ErrCodeProtocol:           codes.Internal,
	http2.ErrCodeInternal:           codes.Internal,
	http2.ErrCodeFlowControl:        codes.Internal,
	http2.ErrCodeSettingsTimeout:    codes.Internal,
	http2.ErrCodeStreamClosed:       codes.Internal,
	http2.ErrCodeFrameSize:          codes.Internal,
	http2.ErrCodeRefusedStream:      codes.Unavailable,
	http2.ErrCodeCancel:             codes.Canceled,
	http2.ErrCodeCompression:        codes.Internal,
	http2.ErrCodeConnect:            codes.Internal,
	http2.ErrCodeEnhanceYourCalm:    codes.ResourceExhausted,
	http2.ErrCodeInadequateSecurity: codes.PermissionDenied,
	http2.ErrCodeHTTP11Required:     codes.Internal,
}

func statusFromRSTCode(code http2.ErrCode) *status.Status {
	c, ok := http2ErrConvTab[code]
	if !ok {
		c = codes.Unknown
	}
	return status.Newf(c, "stream terminated by RST_STREAM with error code: %v", code)
}

// connectionError wraps a fatal transport error as UNAVAILABLE, chaining
// the address and underlying cause.
func connectionError(addr string, err error) *status.Status {
	return status.Newf(codes.Unavailable, "transport: connection to %s: %v", addr, err)
}

// userAgent composes the user-agent header value.
func userAgent(app string) string {
	const base = "grpccore-go/1.0"
	if app == "" {
		return base
	}
	return app + " " + base
}

// msgHeader returns the 5-byte gRPC message prefix for a payload.
func msgHeader(length int) [msgHeaderLen]byte {
	var hdr [msgHeaderLen]byte
	hdr[1] = byte(length >> 24)
	hdr[2] = byte(length >> 16)
	hdr[3] = byte(length >> 8)
	hdr[4] = byte(length)
	return hdr
}

// frameMessage prepends the gRPC message prefix to data.
func frameMessage(data []byte) []byte {
	hdr := msgHeader(len(data))
	buf := make([]byte, 0, msgHeaderLen+len(data))
	buf = append(buf, hdr[:]...)
	return append(buf, data...)
}

// msgAssembler reassembles length-prefixed messages from DATA frame
// payloads, which may split messages at arbitrary byte boundaries.
type msgAssembler struct {
	maxMsgSize int
	hdr        [msgHeaderLen]byte
	hdrLen     int
	body       []byte
	want       int
}

// push consumes a DATA payload and returns any completed messages. A
// non-nil error is a stream-fatal protocol or resource error.
func (a *msgAssembler) push(p []byte) ([][]byte, error) {
	var out [][]byte
	for len(p) > 0 {
		if a.hdrLen < msgHeaderLen {
			n := copy(a.hdr[a.hdrLen:], p)
			a.hdrLen += n
			p = p[n:]
			if a.hdrLen < msgHeaderLen {
				return out, nil
			}
			if a.hdr[0] != 0 {
				return out, status.Error(codes.Internal, "transport: compressed message received without an agreed compressor")
			}
			a.want = int(uint32(a.hdr[1])<<24 | uint32(a.hdr[2])<<16 | uint32(a.hdr[3])<<8 | uint32(a.hdr[4]))
			if a.want > a.maxMsgSize {
				return out, status.Errorf(codes.ResourceExhausted, "transport: received message of %d bytes exceeding limit %d", a.want, a.maxMsgSize)
			}
			a.body = make([]byte, 0, a.want)
		}
		n := a.want - len(a.body)
		if n > len(p) {
			n = len(p)
		}
		a.body = append(a.body, p[:n]...)
		p = p[n:]
		if len(a.body) == a.want {
			out = append(out, a.body)
			a.body = nil
			a.hdrLen = 0
			a.want = 0
		}
	}
	return out, nil
}

// incomplete reports whether a partial message is buffered; end-of-stream
// mid-message is a protocol error.
func (a *msgAssembler) incomplete() bool {
	return a.hdrLen > 0
}

func validateContentType(ct string) error {
	const want = "application/grpc"
	if ct == want {
		return nil
	}
	if len(ct) > len(want) && ct[:len(want)] == want && (ct[len(want)] == '+' || ct[len(want)] == ';') {
		return nil
	}
	return fmt.Errorf("transport: invalid content-type %q", ct)
}
