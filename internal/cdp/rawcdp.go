package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// rawCDP is a minimal browser-level CDP client. It never attaches to page
// targets, so observing the inventory does not change it.
type rawCDP struct {
	httpBase string // e.g. "http://127.0.0.1:9222"

	mu   sync.Mutex
	conn net.Conn
	wmu  sync.Mutex
	seq  atomic.Int64

	pending   map[int64]pendingCall
	pendingMu sync.Mutex

	eventMu       sync.RWMutex
	eventHandlers map[string][]eventHandler

	onDisconnect func()
}

// pendingCall is an in-flight command and the connection it was written
// to. Only that connection's read loop may fail it.
type pendingCall struct {
	conn net.Conn
	ch   chan json.RawMessage
}

type eventHandler struct {
	id int64
	fn func(params json.RawMessage)
}

type cdpError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func newRawCDP(httpBase string) *rawCDP {
	return &rawCDP{
		httpBase:      strings.TrimRight(httpBase, "/"),
		pending:       make(map[int64]pendingCall),
		eventHandlers: make(map[string][]eventHandler),
	}
}

// connect dials the browser WebSocket endpoint. It reports true when a
// new connection was made and false when one was already open.
func (r *rawCDP) connect(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return false, nil
	}

	wsURL, err := r.browserWSURL(ctx)
	if err != nil {
		return false, fmt.Errorf("rawcdp: browser ws url: %w", err)
	}

	slog.Debug("rawcdp connecting", "ws_url", wsURL)
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return false, fmt.Errorf("rawcdp: dial: %w", err)
	}

	r.conn = conn
	go r.readLoop(conn)
	return true, nil
}

func (r *rawCDP) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *rawCDP) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

func (r *rawCDP) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("rawcdp read loop exit", "error", err)
			r.mu.Lock()
			lost := r.conn == conn
			if lost {
				_ = conn.Close()
				r.conn = nil
			}
			r.mu.Unlock()
			r.closePending(conn)
			if lost && r.onDisconnect != nil {
				r.onDisconnect()
			}
			return
		}

		var msg struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.ID > 0 {
			r.pendingMu.Lock()
			pc, ok := r.pending[msg.ID]
			if ok && pc.conn == conn {
				delete(r.pending, msg.ID)
			}
			r.pendingMu.Unlock()
			if ok && pc.conn == conn {
				pc.ch <- json.RawMessage(data)
			}
		} else if msg.Method != "" {
			r.dispatchEvent(msg.Method, msg.Params)
		}
	}
}

// closePending fails the calls written to conn. Calls on a newer
// connection are left alone.
func (r *rawCDP) closePending(conn net.Conn) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for id, pc := range r.pending {
		if pc.conn != conn {
			continue
		}
		close(pc.ch)
		delete(r.pending, id)
	}
}

func (r *rawCDP) addPending(id int64, conn net.Conn) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	r.pendingMu.Lock()
	r.pending[id] = pendingCall{conn: conn, ch: ch}
	r.pendingMu.Unlock()
	return ch
}

func (r *rawCDP) deletePending(id int64) {
	r.pendingMu.Lock()
	delete(r.pending, id)
	r.pendingMu.Unlock()
}

// call sends a command and decodes its result into out, which may be nil.
func (r *rawCDP) call(ctx context.Context, method string, params, out any) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("rawcdp: not connected")
	}

	id := r.seq.Add(1)
	req := struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}{ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rawcdp: marshal %s: %w", method, err)
	}

	ch := r.addPending(id, conn)

	r.wmu.Lock()
	err = wsutil.WriteClientText(conn, data)
	r.wmu.Unlock()
	if err != nil {
		r.deletePending(id)
		return fmt.Errorf("rawcdp: send %s: %w", method, err)
	}

	var raw json.RawMessage
	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("rawcdp: %s: connection closed", method)
		}
		raw = resp
	case <-ctx.Done():
		r.deletePending(id)
		return ctx.Err()
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *cdpError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("rawcdp: unmarshal %s: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("rawcdp: %s: %s", method, envelope.Error.Message)
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("rawcdp: decode %s result: %w", method, err)
	}
	return nil
}

// registerEventHandler registers fn for a CDP event method such as
// "Target.targetCreated". Returns an unregister function.
func (r *rawCDP) registerEventHandler(method string, fn func(params json.RawMessage)) func() {
	id := r.seq.Add(1)
	r.eventMu.Lock()
	r.eventHandlers[method] = append(r.eventHandlers[method], eventHandler{id: id, fn: fn})
	r.eventMu.Unlock()
	return func() {
		r.eventMu.Lock()
		defer r.eventMu.Unlock()
		handlers := r.eventHandlers[method]
		for i, h := range handlers {
			if h.id == id {
				r.eventHandlers[method] = append(handlers[:i:i], handlers[i+1:]...)
				break
			}
		}
	}
}

func (r *rawCDP) dispatchEvent(method string, params json.RawMessage) {
	r.eventMu.RLock()
	handlers := make([]eventHandler, len(r.eventHandlers[method]))
	copy(handlers, r.eventHandlers[method])
	r.eventMu.RUnlock()
	for _, h := range handlers {
		h.fn(params)
	}
}

// browserWSURL fetches the WebSocket debugger URL from /json/version.
func (r *rawCDP) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rawcdp: /json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}
