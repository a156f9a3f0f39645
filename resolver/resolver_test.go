package resolver

import (
	"errors"
	"net"
	"testing"
)

func TestStaticMapResolvesKnownHost(t *testing.T) {
	m := StaticMap{"srv1": net.ParseIP("10.0.0.7")}
	ip, err := m.Resolve("srv1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ip.Equal(net.ParseIP("10.0.0.7")) {
		t.Fatalf("got %v", ip)
	}
}

func TestStaticMapUnknownHostIsLookupError(t *testing.T) {
	m := StaticMap{}
	_, err := m.Resolve("missing")
	if !errors.Is(err, ErrLookup) {
		t.Fatalf("expected ErrLookup, got %v", err)
	}
}
