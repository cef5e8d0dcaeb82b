package cdp

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
)

func TestStaleReadLoopLeavesNewCallsPending(t *testing.T) {
	r := newRawCDP("http://127.0.0.1:0")
	oldClient, oldServer := net.Pipe()
	newClient, newServer := net.Pipe()
	defer newServer.Close()

	// The old connection was closed and replaced before its loop noticed.
	r.conn = newClient
	ch := r.addPending(7, newClient)

	_ = oldServer.Close()
	r.readLoop(oldClient)

	select {
	case _, ok := <-ch:
		t.Fatalf("call on new connection finished early (ok=%v)", ok)
	default:
	}
	if !r.connected() {
		t.Fatal("stale read loop cleared the live connection")
	}

	_ = newServer.Close()
	r.readLoop(newClient)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("call got a response; want closed")
		}
	default:
		t.Fatal("call left pending after its own connection dropped")
	}
	if r.connected() {
		t.Fatal("connection still set after its read loop lost it")
	}
}

func TestResponsesOnlyResolveCallsFromTheirConnection(t *testing.T) {
	r := newRawCDP("http://127.0.0.1:0")
	oldClient, oldServer := net.Pipe()
	newClient, newServer := net.Pipe()
	defer newServer.Close()
	r.conn = newClient

	stale := r.addPending(1, oldClient)
	live := r.addPending(2, newClient)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.readLoop(oldClient)
	}()
	// An id 2 reply on the old socket belongs to some other command.
	if err := wsutil.WriteServerText(oldServer, []byte(`{"id":2,"result":{}}`)); err != nil {
		t.Fatalf("WriteServerText() error = %v", err)
	}
	_ = oldServer.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("old read loop did not exit")
	}

	select {
	case _, ok := <-stale:
		if ok {
			t.Fatal("stale call got a response; want closed")
		}
	default:
		t.Fatal("call on the dropped connection left pending")
	}
	select {
	case resp := <-live:
		t.Fatalf("live call resolved by the old socket: %s", resp)
	default:
	}
}
