package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultSendBuffer       = 16
)

// WebSocketDialer opens client WebSocket transports to a fixed URL.
type WebSocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
}

// NewWebSocketDialer returns a dialer for ws://addr+path.
func NewWebSocketDialer(addr, path string) *WebSocketDialer {
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return &WebSocketDialer{
		URL:              "ws://" + addr + path,
		HandshakeTimeout: defaultHandshakeTimeout,
		WriteTimeout:     defaultWriteTimeout,
		SendBuffer:       defaultSendBuffer,
	}
}

// Open starts dialing in the background and returns the transport.
func (d *WebSocketDialer) Open(ctx context.Context, h Handler) Conn {
	buf := d.SendBuffer
	if buf <= 0 {
		buf = defaultSendBuffer
	}
	c := &wsConn{
		url:          d.URL,
		writeTimeout: d.WriteTimeout,
		handler:      h,
		out:          make(chan []byte, buf),
		done:         make(chan struct{}),
	}
	go c.run(ctx, d.HandshakeTimeout)
	return c
}

type wsConn struct {
	url          string
	writeTimeout time.Duration
	handler      Handler

	mu     sync.Mutex
	conn   net.Conn
	open   bool
	closed bool

	// wmu serialises frame writes: the reader answers pings on the
	// same socket the writer goroutine uses.
	wmu sync.Mutex

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	fireOnce  sync.Once
	doneOnce  sync.Once
}

func (c *wsConn) run(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	slog.Debug("transport dialing", "url", c.url)
	dialer := ws.Dialer{Timeout: timeout}
	conn, br, _, err := dialer.Dial(ctx, c.url)
	if err != nil {
		c.finish(Errored, fmt.Errorf("transport: dial %s: %w", c.url, err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.open = true
	c.mu.Unlock()

	// br holds bytes the server sent right after the handshake.
	var r io.Reader = conn
	if br != nil {
		r = br
	}

	c.handler(Event{Kind: Opened})
	go c.writeLoop(conn)
	c.readLoop(r, conn, br)
}

// lockedRW lets wsutil answer control frames through the write lock.
type lockedRW struct {
	io.Reader
	c *wsConn
	w io.Writer
}

func (l lockedRW) Write(p []byte) (int, error) {
	l.c.wmu.Lock()
	defer l.c.wmu.Unlock()
	return l.w.Write(p)
}

func (c *wsConn) readLoop(r io.Reader, conn net.Conn, br *bufio.Reader) {
	if br != nil {
		defer ws.PutReader(br)
	}
	rw := lockedRW{Reader: r, c: c, w: conn}
	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) || errors.Is(err, io.EOF) {
				c.finish(Closed, err)
			} else {
				c.finish(Errored, fmt.Errorf("transport: read: %w", err))
			}
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		c.handler(Event{Kind: Message, Payload: data})
	}
}

func (c *wsConn) writeLoop(conn net.Conn) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			c.wmu.Lock()
			if c.writeTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			err := wsutil.WriteClientText(conn, data)
			c.wmu.Unlock()
			if err != nil {
				slog.Debug("transport write failed", "url", c.url, "error", err)
				// Closing the socket makes the reader report the failure.
				_ = conn.Close()
				return
			}
		}
	}
}

// Send queues data for the writer goroutine. It never blocks.
func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	ready := c.open && !c.closed
	c.mu.Unlock()
	if !ready {
		return ErrNotReady
	}
	select {
	case c.out <- data:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", ErrNotReady)
	}
}

// Close tears the socket down. A terminal event that was already being
// reported may still reach the handler.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.open = false
		conn := c.conn
		c.mu.Unlock()

		c.fireOnce.Do(func() {})
		c.doneOnce.Do(func() { close(c.done) })
		if conn != nil {
			c.wmu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = ws.WriteFrame(conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
			c.wmu.Unlock()
			err = conn.Close()
		}
	})
	return err
}

// finish reports the terminal event at most once.
func (c *wsConn) finish(kind EventKind, err error) {
	fire := false
	c.fireOnce.Do(func() {
		fire = true
		c.mu.Lock()
		c.open = false
		c.closed = true
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		c.doneOnce.Do(func() { close(c.done) })
	})
	if fire {
		c.handler(Event{Kind: kind, Err: err})
	}
}
