package netutil

import (
	"errors"
	"net"
	"testing"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func busyListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen busy: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func TestListenPreferredFree(t *testing.T) {
	addr := freeAddr(t)
	ln, err := Listen(addr, nil, false)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	if got := ln.Addr().String(); got != addr {
		t.Fatalf("Listen() bound %q, want %q", got, addr)
	}
}

func TestListenFallback(t *testing.T) {
	busy := busyListener(t)
	free := freeAddr(t)

	ln, err := Listen(busy.Addr().String(), []string{busy.Addr().String(), free}, true)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	if got := ln.Addr().String(); got != free {
		t.Fatalf("Listen() bound %q, want %q", got, free)
	}
}

func TestListenPreferredBusyWithoutFallback(t *testing.T) {
	busy := busyListener(t)
	if _, err := Listen(busy.Addr().String(), []string{freeAddr(t)}, false); err == nil {
		t.Fatal("Listen() = nil error for busy preferred address")
	}
}

func TestListenNoCandidates(t *testing.T) {
	busy := busyListener(t)
	if _, err := Listen("", []string{busy.Addr().String()}, true); !errors.Is(err, ErrNoBindAddr) {
		t.Fatalf("Listen() error = %v; want ErrNoBindAddr", err)
	}
}

func TestIsAddrAvailable(t *testing.T) {
	busy := busyListener(t)
	if IsAddrAvailable(busy.Addr().String()) {
		t.Fatal("IsAddrAvailable() = true for a bound address")
	}
	if !IsAddrAvailable(freeAddr(t)) {
		t.Fatal("IsAddrAvailable() = false for a free address")
	}
}
