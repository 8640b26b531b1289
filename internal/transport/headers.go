package transport

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-grpccore/internal/grpcutil"
)

// headerEncoder accumulates one hpack-encoded header block. It is bound
// to the connection's hpack dynamic table, so blocks must be encoded in
// the order they will be written; the transport's writer loop guarantees
// that by being the sole user.
type headerEncoder struct {
	buf bytes.Buffer
	enc *hpack.Encoder
}

func newHeaderEncoder() *headerEncoder {
	e := &headerEncoder{}
	e.enc = hpack.NewEncoder(&e.buf)
	return e
}

func (e *headerEncoder) reset() { e.buf.Reset() }

func (e *headerEncoder) add(name, value string) {
	// Encoding to a bytes.Buffer cannot fail.
	_ = e.enc.WriteField(hpack.HeaderField{Name: name, Value: value})
}

func (e *headerEncoder) bytes() []byte { return e.buf.Bytes() }

// newHPACKDecoder returns the decoder wired into the framer's
// ReadMetaHeaders, which yields MetaHeadersFrame values with fields
// already decoded.
func newHPACKDecoder() *hpack.Decoder {
	return hpack.NewDecoder(4096, nil)
}

// isReservedHeader reports metadata keys the transport owns; they are
// dropped from application metadata rather than sent twice.
func isReservedHeader(k string) bool {
	if k == "" || k[0] == ':' {
		return true
	}
	switch k {
	case "content-type", "te", "user-agent", "connection", "transfer-encoding", "upgrade", "keep-alive":
		return true
	}
	return strings.HasPrefix(k, "grpc-")
}

// appendMetadata encodes application metadata, lowercasing keys and
// base64-encoding -bin values.
func (e *headerEncoder) appendMetadata(md metadata.MD) {
	for k, vv := range md {
		k = strings.ToLower(k)
		if isReservedHeader(k) {
			continue
		}
		for _, v := range vv {
			if grpcutil.IsBinHeader(k) {
				v = grpcutil.EncodeBinHeader([]byte(v))
			}
			e.add(k, v)
		}
	}
}

// parsedHeaders is the union of fields a decoded header block may carry;
// the client and server transports each validate the subset they expect.
type parsedHeaders struct {
	// Request pseudo-headers.
	method    string
	path      string
	authority string
	scheme    string
	// Response pseudo-header.
	httpStatus string

	contentType string
	te          string

	timeoutSet bool
	timeout    time.Duration

	grpcStatus  *codes.Code
	grpcMessage string

	md metadata.MD

	// parseErr records the first malformed field.
	parseErr error
}

func decodeHeaderFields(fields []hpack.HeaderField) parsedHeaders {
	p := parsedHeaders{md: metadata.MD{}}
	setErr := func(err error) {
		if p.parseErr == nil {
			p.parseErr = err
		}
	}
	for _, f := range fields {
		switch f.Name {
		case ":method":
			p.method = f.Value
		case ":path":
			p.path = f.Value
		case ":authority":
			p.authority = f.Value
		case ":scheme":
			p.scheme = f.Value
		case ":status":
			p.httpStatus = f.Value
		case "content-type":
			p.contentType = f.Value
		case "te":
			p.te = f.Value
		case "grpc-timeout":
			d, err := grpcutil.DecodeTimeout(f.Value)
			if err != nil {
				setErr(err)
				continue
			}
			p.timeoutSet = true
			p.timeout = d
		case "grpc-status":
			v, err := strconv.ParseInt(f.Value, 10, 32)
			if err != nil {
				setErr(fmt.Errorf("malformed grpc-status %q: %v", f.Value, err))
				continue
			}
			c := codes.Code(v)
			p.grpcStatus = &c
		case "grpc-message":
			p.grpcMessage = grpcutil.DecodeGrpcMessage(f.Value)
		default:
			if f.Name == "" || f.Name[0] == ':' {
				setErr(fmt.Errorf("unknown pseudo-header %q", f.Name))
				continue
			}
			if strings.HasPrefix(f.Name, "grpc-") {
				// Reserved for the protocol; ignore unknown ones.
				continue
			}
			v := f.Value
			if grpcutil.IsBinHeader(f.Name) {
				b, err := grpcutil.DecodeBinHeader(v)
				if err != nil {
					setErr(fmt.Errorf("malformed -bin header %s: %v", f.Name, err))
					continue
				}
				v = string(b)
			}
			p.md[f.Name] = append(p.md[f.Name], v)
		}
	}
	if len(p.md) == 0 {
		p.md = nil
	}
	return p
}

// trailerStatus extracts the status carried by a trailer block.
func (p *parsedHeaders) trailerStatus() *status.Status {
	if p.grpcStatus == nil {
		return status.New(codes.Internal, "transport: missing grpc-status in trailers")
	}
	if *p.grpcStatus == codes.OK && p.grpcMessage == "" {
		return statusOK
	}
	return status.New(*p.grpcStatus, p.grpcMessage)
}

var statusOK = status.New(codes.OK, "")
