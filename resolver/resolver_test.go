package resolver

import (
	"errors"
	"testing"
)

type captureWatcher struct {
	results []Result
	errs    []error
}

func (w *captureWatcher) UpdateResult(r Result) { w.results = append(w.results, r) }
func (w *captureWatcher) ReportError(err error) { w.errs = append(w.errs, err) }

func TestParseTarget(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Target
	}{
		{"localhost:50051", Target{Endpoint: "localhost:50051"}},
		{"passthrough:///localhost:50051", Target{Scheme: "passthrough", Endpoint: "localhost:50051"}},
		{"list:///a:1,b:2", Target{Scheme: "list", Endpoint: "a:1,b:2"}},
		{"dns://8.8.8.8/example.com:443", Target{Scheme: "dns", Authority: "8.8.8.8", Endpoint: "example.com:443"}},
		{"unix:///tmp/sock", Target{Scheme: "unix", Endpoint: "tmp/sock"}},
		{"scheme://authority-only", Target{Scheme: "scheme", Endpoint: "authority-only"}},
	} {
		if got := ParseTarget(tc.in); got != tc.want {
			t.Errorf("ParseTarget(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestPassthrough(t *testing.T) {
	b := Get("passthrough")
	if b == nil {
		t.Fatal("passthrough not registered")
	}
	var w captureWatcher
	r, err := b.Build(ParseTarget("passthrough:///srv:1234"), &w, BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if len(w.results) != 1 || len(w.results[0].Addresses) != 1 || w.results[0].Addresses[0].Addr != "srv:1234" {
		t.Fatalf("results: %+v", w.results)
	}
	r.RequestReresolution()
	if len(w.results) != 2 {
		t.Fatalf("re-resolution did not redeliver: %d results", len(w.results))
	}
}

func TestPassthroughEmptyEndpoint(t *testing.T) {
	var w captureWatcher
	if _, err := Get("passthrough").Build(Target{Scheme: "passthrough"}, &w, BuildOptions{}); err == nil {
		t.Fatal("want error for empty endpoint")
	}
}

func TestList(t *testing.T) {
	var w captureWatcher
	r, err := Get("list").Build(ParseTarget("list:///a:1, b:2 ,,c:3"), &w, BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got := w.results[0].Addresses
	want := []string{"a:1", "b:2", "c:3"}
	if len(got) != len(want) {
		t.Fatalf("addresses: %+v", got)
	}
	for i := range want {
		if got[i].Addr != want[i] {
			t.Errorf("address %d: %q, want %q", i, got[i].Addr, want[i])
		}
	}
}

func TestStaticResolverClosedStopsDelivery(t *testing.T) {
	var w captureWatcher
	r, err := Get("list").Build(ParseTarget("list:///a:1"), &w, BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}
	r.Close()
	r.RequestReresolution()
	if len(w.results) != 1 {
		t.Fatalf("delivery after Close: %d results", len(w.results))
	}
}

func TestRegisterReplaces(t *testing.T) {
	old := Get(DefaultScheme)
	defer Register(old)
	fake := fakeBuilder{}
	Register(fake)
	if Get(DefaultScheme) != fake {
		t.Fatal("Register did not replace")
	}
}

type fakeBuilder struct{}

func (fakeBuilder) Scheme() string { return DefaultScheme }
func (fakeBuilder) Build(Target, Watcher, BuildOptions) (Resolver, error) {
	return nil, errors.New("unimplemented")
}
