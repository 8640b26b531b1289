// Package grpcutil provides wire-format helpers shared by the transport and
// the call engine: method path parsing, timeout and status-message codecs,
// and binary metadata encoding.
package grpcutil

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TranslateContextError converts context errors to status errors.
func TranslateContextError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return err
	}
}

// ParseMethod splits a full method path of the form "/service/method".
func ParseMethod(methodPath string) (service, method string, err error) {
	if !strings.HasPrefix(methodPath, "/") {
		return "", "", fmt.Errorf("malformed method path: %q", methodPath)
	}
	pos := strings.LastIndexByte(methodPath, '/')
	if pos == 0 {
		return "", "", fmt.Errorf("malformed method path: %q", methodPath)
	}
	return methodPath[1:pos], methodPath[pos+1:], nil
}

const maxTimeoutValue = 100000000 - 1

// division by a larger unit loses precision; always round up so the peer
// never observes a shorter deadline than the caller requested.
func divRoundUp(d, unit time.Duration) int64 {
	return int64((d + unit - 1) / unit)
}

// EncodeTimeout encodes a timeout as a grpc-timeout header value. Values
// too large for one unit spill into the next coarser unit; the encoded
// value never undershoots d.
func EncodeTimeout(d time.Duration) string {
	if d <= 0 {
		return "0n"
	}
	if v := divRoundUp(d, time.Nanosecond); v <= maxTimeoutValue {
		return strconv.FormatInt(v, 10) + "n"
	}
	if v := divRoundUp(d, time.Microsecond); v <= maxTimeoutValue {
		return strconv.FormatInt(v, 10) + "u"
	}
	if v := divRoundUp(d, time.Millisecond); v <= maxTimeoutValue {
		return strconv.FormatInt(v, 10) + "m"
	}
	if v := divRoundUp(d, time.Second); v <= maxTimeoutValue {
		return strconv.FormatInt(v, 10) + "S"
	}
	if v := divRoundUp(d, time.Minute); v <= maxTimeoutValue {
		return strconv.FormatInt(v, 10) + "M"
	}
	return strconv.FormatInt(divRoundUp(d, time.Hour), 10) + "H"
}

// DecodeTimeout parses a grpc-timeout header value.
func DecodeTimeout(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("grpc-timeout too short: %q", s)
	}
	if len(s) > 9 {
		// 8 digits max, plus the unit.
		return 0, fmt.Errorf("grpc-timeout too long: %q", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'n':
		unit = time.Nanosecond
	case 'u':
		unit = time.Microsecond
	case 'm':
		unit = time.Millisecond
	case 'S':
		unit = time.Second
	case 'M':
		unit = time.Minute
	case 'H':
		unit = time.Hour
	default:
		return 0, fmt.Errorf("grpc-timeout has invalid unit: %q", s)
	}
	v, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("grpc-timeout has invalid value: %q", s)
	}
	const maxHours = int64(1<<63-1) / int64(time.Hour)
	if unit == time.Hour && v > maxHours {
		return time.Duration(1<<63 - 1), nil
	}
	return time.Duration(v) * unit, nil
}

const percentByte = '%'

// EncodeGrpcMessage percent-encodes a status message for the grpc-message
// trailer. Printable ASCII other than '%' passes through; everything else
// is emitted as %XX per UTF-8 byte. Invalid UTF-8 is replaced.
func EncodeGrpcMessage(msg string) string {
	clean := true
	for i := 0; i < len(msg); i++ {
		if c := msg[i]; c < ' ' || c > '~' || c == percentByte {
			clean = false
			break
		}
	}
	if clean {
		return msg
	}
	var sb strings.Builder
	for len(msg) > 0 {
		r, size := utf8.DecodeRuneInString(msg)
		for _, b := range []byte(string(r)) {
			if size > 1 {
				// Multi-byte rune: escape every byte.
				fmt.Fprintf(&sb, "%%%02X", b)
				continue
			}
			if b >= ' ' && b <= '~' && b != percentByte {
				sb.WriteByte(b)
			} else {
				fmt.Fprintf(&sb, "%%%02X", b)
			}
		}
		msg = msg[size:]
	}
	return sb.String()
}

// DecodeGrpcMessage reverses [EncodeGrpcMessage]. Malformed escapes are
// passed through verbatim rather than rejected.
func DecodeGrpcMessage(msg string) string {
	if msg == "" {
		return ""
	}
	if !strings.ContainsRune(msg, percentByte) {
		return msg
	}
	var sb strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c == percentByte && i+2 < len(msg) {
			if v, err := strconv.ParseUint(msg[i+1:i+3], 16, 8); err == nil {
				sb.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// EncodeBinHeader encodes a -bin metadata value for the wire.
func EncodeBinHeader(v []byte) string {
	return base64.RawStdEncoding.EncodeToString(v)
}

// DecodeBinHeader decodes a -bin metadata value, accepting both padded and
// unpadded base64.
func DecodeBinHeader(v string) ([]byte, error) {
	if len(v)%4 == 0 {
		return base64.StdEncoding.DecodeString(v)
	}
	return base64.RawStdEncoding.DecodeString(v)
}

// IsBinHeader reports whether the metadata key carries binary values.
func IsBinHeader(key string) bool {
	return strings.HasSuffix(key, "-bin")
}

// CleanStatus rewrites any status carrying a code outside the closed gRPC
// set to Internal. Control-plane components (resolvers, balancers, config
// selectors) must never leak bespoke codes to the application.
func CleanStatus(st *status.Status) *status.Status {
	if st.Code() <= codes.Unauthenticated {
		return st
	}
	return status.Newf(codes.Internal, "control plane produced invalid code %d: %s", st.Code(), st.Message())
}
