package grpccore

import (
	"testing"
	"time"

	"github.com/joeycumines/go-grpccore/resolver"
)

func TestCallAuthority_Precedence(t *testing.T) {
	base := func() *Channel {
		return &Channel{
			parsedTarget: resolver.Target{Scheme: "passthrough", Endpoint: "target.example:50"},
			opts:         &dialOptions{},
		}
	}
	addrWithAuthority := resolver.Address{Addr: "10.0.0.1:50", Authority: "per-addr.example"}
	addrPlain := resolver.Address{Addr: "10.0.0.1:50"}

	c := base()
	c.opts.authority = "channel.example"
	if got := c.callAuthority("call.example", addrWithAuthority); got != "call.example" {
		t.Fatalf("call-level override: %q", got)
	}
	if got := c.callAuthority("", addrWithAuthority); got != "channel.example" {
		t.Fatalf("channel default: %q", got)
	}

	c = base()
	if got := c.callAuthority("", addrWithAuthority); got != "per-addr.example" {
		t.Fatalf("per-address attribute: %q", got)
	}
	// An empty per-address authority is absent, not an override.
	if got := c.callAuthority("", addrPlain); got != "target.example:50" {
		t.Fatalf("target-derived: %q", got)
	}

	c = base()
	c.parsedTarget = resolver.Target{}
	if got := c.callAuthority("", addrPlain); got != "10.0.0.1:50" {
		t.Fatalf("address fallback: %q", got)
	}
}

func TestResolveDialOptions_Validation(t *testing.T) {
	if _, err := resolveDialOptions([]DialOption{WithLoop(nil)}); err == nil {
		t.Fatal("nil loop accepted")
	}
	if _, err := resolveDialOptions([]DialOption{WithMaxReceiveMessageSize(0)}); err == nil {
		t.Fatal("zero max recv accepted")
	}
	if _, err := resolveDialOptions([]DialOption{WithKeepalive(0, 0)}); err == nil {
		t.Fatal("zero keepalive accepted")
	}
	cfg, err := resolveDialOptions([]DialOption{nil, WithAuthority("a"), WithUserAgent("ua")})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.authority != "a" || cfg.userAgent != "ua" {
		t.Fatalf("options not applied: %+v", cfg)
	}
}

func TestDialOptions_FingerprintDistinguishesArgs(t *testing.T) {
	a, _ := resolveDialOptions(nil)
	b, _ := resolveDialOptions([]DialOption{WithKeepalive(10*time.Second, time.Second)})
	c, _ := resolveDialOptions(nil)
	if a.fingerprint() == b.fingerprint() {
		t.Fatal("distinct args share a fingerprint")
	}
	if a.fingerprint() != c.fingerprint() {
		t.Fatal("identical args have distinct fingerprints")
	}
}

func TestDial_InvalidDefaultServiceConfig(t *testing.T) {
	if _, err := Dial("passthrough:///x:1", WithDefaultServiceConfig("{")); err == nil {
		t.Fatal("invalid default service config accepted")
	}
}

func TestDial_UnknownSchemeFallsBack(t *testing.T) {
	c, err := Dial("bogus-scheme://whatever/x:1")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	// The endpoint of the original parse still drives the authority.
	if got := c.callAuthority("", resolver.Address{Addr: "x"}); got != "x:1" {
		t.Fatalf("authority: %q", got)
	}
}

func timeNowPlus(ms int) time.Time {
	return time.Now().Add(time.Duration(ms) * time.Millisecond)
}
