// Package transport wraps the outbound socket the streamer pushes
// snapshots over. Opening is asynchronous; lifecycle changes are
// reported to a handler the way a browser WebSocket reports open,
// close, error and message events.
package transport

import (
	"context"
	"errors"
)

// ErrNotReady is returned by Conn.Send when the socket is not open or
// its outbound buffer is full.
var ErrNotReady = errors.New("transport not ready")

// EventKind identifies a transport lifecycle event.
type EventKind int

const (
	Opened EventKind = iota
	Closed
	Errored
	Message
)

func (k EventKind) String() string {
	switch k {
	case Opened:
		return "opened"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	case Message:
		return "message"
	default:
		return "unknown"
	}
}

// Event is delivered to the handler passed to Dialer.Open. Err is set
// for Closed and Errored, Payload for Message.
type Event struct {
	Kind    EventKind
	Err     error
	Payload []byte
}

// Handler receives transport events. It must not block for long: it is
// called from the transport's own goroutines.
type Handler func(Event)

// Conn is one transport instance. After Closed or Errored has been
// reported, the instance is dead and a new one must be opened.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Dialer opens transports. Open returns immediately; the outcome of the
// connection attempt arrives as an Opened or Errored event.
type Dialer interface {
	Open(ctx context.Context, h Handler) Conn
}
