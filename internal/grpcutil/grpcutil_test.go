package grpcutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestParseMethod(t *testing.T) {
	for _, tc := range []struct {
		in, service, method string
		wantErr             bool
	}{
		{in: "/echo.Echo/Unary", service: "echo.Echo", method: "Unary"},
		{in: "/a/b", service: "a", method: "b"},
		{in: "/a/b/c", service: "a/b", method: "c"},
		{in: "a/b", wantErr: true},
		{in: "/noslash", wantErr: true},
		{in: "", wantErr: true},
	} {
		service, method, err := ParseMethod(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseMethod(%q): want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMethod(%q): %v", tc.in, err)
			continue
		}
		if service != tc.service || method != tc.method {
			t.Errorf("ParseMethod(%q) = (%q, %q), want (%q, %q)", tc.in, service, method, tc.service, tc.method)
		}
	}
}

func TestTimeoutRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{
		time.Nanosecond,
		500 * time.Millisecond,
		time.Second,
		90 * time.Second,
		3 * time.Hour,
		99999999 * time.Nanosecond,
	} {
		got, err := DecodeTimeout(EncodeTimeout(d))
		if err != nil {
			t.Fatalf("DecodeTimeout(EncodeTimeout(%v)): %v", d, err)
		}
		if got < d {
			t.Errorf("round trip of %v undershot: %v", d, got)
		}
		// Rounding never inflates by more than one coarse unit.
		if got > d+time.Hour {
			t.Errorf("round trip of %v overshot: %v", d, got)
		}
	}
}

func TestEncodeTimeoutUnits(t *testing.T) {
	for _, tc := range []struct {
		d    time.Duration
		want string
	}{
		{0, "0n"},
		{-time.Second, "0n"},
		{time.Millisecond, "1000000n"},
		{99999999 * time.Nanosecond, "99999999n"},
		{time.Second, "1000000u"},
		{200 * time.Second, "200000m"},
	} {
		if got := EncodeTimeout(tc.d); got != tc.want {
			t.Errorf("EncodeTimeout(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestDecodeTimeoutErrors(t *testing.T) {
	for _, s := range []string{"", "1", "1x", "abcm", "123456789S"} {
		if _, err := DecodeTimeout(s); err == nil {
			t.Errorf("DecodeTimeout(%q): want error", s)
		}
	}
}

func TestGrpcMessageRoundTrip(t *testing.T) {
	for _, msg := range []string{
		"",
		"plain ascii",
		"percent % sign",
		"newline\nand tab\t",
		"non-ascii: préférence 日本語",
	} {
		enc := EncodeGrpcMessage(msg)
		for i := 0; i < len(enc); i++ {
			if enc[i] < ' ' || enc[i] > '~' {
				t.Errorf("EncodeGrpcMessage(%q) produced non-printable byte %#x", msg, enc[i])
			}
		}
		if dec := DecodeGrpcMessage(enc); dec != msg {
			t.Errorf("round trip of %q = %q", msg, dec)
		}
	}
	// Invalid utf-8 is replaced, not rejected.
	enc := EncodeGrpcMessage(string([]byte{0xff, 0xfe}))
	if dec := DecodeGrpcMessage(enc); dec != "��" {
		t.Errorf("invalid utf-8 decoded to %q", dec)
	}
}

func TestDecodeGrpcMessageMalformed(t *testing.T) {
	// Truncated and invalid escapes pass through unchanged.
	for _, s := range []string{"%", "%2", "%zz", "trailing%"} {
		if got := DecodeGrpcMessage(s); got != s {
			t.Errorf("DecodeGrpcMessage(%q) = %q, want passthrough", s, got)
		}
	}
}

func TestBinHeaderRoundTrip(t *testing.T) {
	for _, v := range [][]byte{nil, {0}, {1, 2, 3}, []byte("some longer binary value \x00\xff")} {
		got, err := DecodeBinHeader(EncodeBinHeader(v))
		if err != nil {
			t.Fatalf("DecodeBinHeader: %v", err)
		}
		if string(got) != string(v) {
			t.Errorf("round trip of %v = %v", v, got)
		}
	}
	// A known encoding decodes to the expected bytes.
	if got, err := DecodeBinHeader("AQID"); err != nil || string(got) != "\x01\x02\x03" {
		t.Errorf("DecodeBinHeader(AQID) = %v, %v", got, err)
	}
}

func TestTranslateContextError(t *testing.T) {
	if got := status.Code(TranslateContextError(context.DeadlineExceeded)); got != codes.DeadlineExceeded {
		t.Errorf("deadline: got %v", got)
	}
	if got := status.Code(TranslateContextError(context.Canceled)); got != codes.Canceled {
		t.Errorf("canceled: got %v", got)
	}
}

func TestCleanStatus(t *testing.T) {
	ok := status.New(codes.NotFound, "missing")
	if got := CleanStatus(ok); got != ok {
		t.Errorf("standard code rewritten: %v", got)
	}
	bogus := status.New(codes.Code(100), "custom")
	got := CleanStatus(bogus)
	if got.Code() != codes.Internal {
		t.Errorf("bogus code: got %v, want Internal", got.Code())
	}
	if !strings.Contains(got.Message(), "custom") {
		t.Errorf("original message dropped: %q", got.Message())
	}
}
