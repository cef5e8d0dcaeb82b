// Package conn owns the streamer's single outbound connection. A Manager
// runs one event loop that serialises every state change: start
// requests, transport lifecycle events, retry timers and sends. At most
// one transport is live at a time and a dropped link is always retried
// after the current backoff delay.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tabstream/internal/clock"
	"github.com/dgnsrekt/tabstream/internal/transport"
)

// State is the connection state owned by a Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Options configures a Manager. Dialer is required.
type Options struct {
	Dialer transport.Dialer
	Policy Policy
	Clock  clock.Clock

	// OnEstablished runs on the loop goroutine after every successful
	// open. It must not block.
	OnEstablished func()
	// OnResync runs on the loop goroutine for every inbound frame. It
	// must not block.
	OnResync func()

	// Greeting holds every Send after an open until Greet or
	// SkipGreeting is called for that connection, so the connection's
	// first frame is its greeting snapshot. GreetTimeout bounds the hold;
	// zero means DefaultGreetTimeout.
	Greeting     bool
	GreetTimeout time.Duration
}

// DefaultGreetTimeout bounds how long sends wait for a greeting.
const DefaultGreetTimeout = 10 * time.Second

// Status is a point-in-time view of the manager for logs and tests.
type Status struct {
	State    State
	Backoff  time.Duration
	Attempts int
	Opens    int
	Held     int
}

// Manager is the connection state machine.
type Manager struct {
	dialer        transport.Dialer
	policy        Policy
	clock         clock.Clock
	onEstablished func()
	onResync      func()
	greeting      bool
	greetTimeout  time.Duration

	events  chan loopEvent
	stopped chan struct{}
	runOnce sync.Once

	// Owned by the loop goroutine.
	state    State
	delay    time.Duration
	current  transport.Conn
	gen      uint64
	retry    *clock.Timer
	attempts int
	opens    int
	awaiting bool
	held     []loopEvent
	greetTTL *clock.Timer

	mu     sync.RWMutex
	status Status
}

type loopEventKind int

const (
	evStart loopEventKind = iota
	evRetry
	evTransport
	evSend
	evGreet
	evSkipGreet
	evGreetTimeout
)

type loopEvent struct {
	kind  loopEventKind
	gen   uint64
	ev    transport.Event
	data  []byte
	reply chan error
}

// NewManager returns a Manager in the Disconnected state. Nothing
// happens until Run is called.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("conn: dialer is required")
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("conn: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.GreetTimeout <= 0 {
		opts.GreetTimeout = DefaultGreetTimeout
	}
	m := &Manager{
		dialer:        opts.Dialer,
		policy:        opts.Policy,
		clock:         opts.Clock,
		onEstablished: opts.OnEstablished,
		onResync:      opts.OnResync,
		greeting:      opts.Greeting,
		greetTimeout:  opts.GreetTimeout,
		events:        make(chan loopEvent, 64),
		stopped:       make(chan struct{}),
		delay:         opts.Policy.Floor,
	}
	m.publish()
	return m, nil
}

// Run processes events until ctx is cancelled, then closes the live
// transport. It connects immediately.
func (m *Manager) Run(ctx context.Context) {
	m.runOnce.Do(func() { m.run(ctx) })
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.stopped)
	m.connect(ctx)
	m.publish()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case e := <-m.events:
			m.handle(ctx, e)
			m.publish()
		}
	}
}

// Start requests a connection attempt. It is a no-op while a transport
// is connecting or connected.
func (m *Manager) Start() {
	m.post(loopEvent{kind: evStart})
}

// Send hands data to the live transport. It returns transport.ErrNotReady
// when there is no open link; the caller should drop the data. Send never
// triggers reconnection itself.
func (m *Manager) Send(ctx context.Context, data []byte) error {
	return m.request(ctx, evSend, data)
}

// Greet sends the first frame of a fresh connection and releases the
// sends held behind it. Outside a greeting it behaves like Send.
func (m *Manager) Greet(ctx context.Context, data []byte) error {
	return m.request(ctx, evGreet, data)
}

// SkipGreeting releases held sends when no greeting can be produced.
func (m *Manager) SkipGreeting() {
	m.post(loopEvent{kind: evSkipGreet})
}

func (m *Manager) request(ctx context.Context, kind loopEventKind, data []byte) error {
	reply := make(chan error, 1)
	if !m.post(loopEvent{kind: kind, data: data, reply: reply}) {
		return transport.ErrNotReady
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return transport.ErrNotReady
	}
}

// Status returns the state as of the last processed event.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// post queues an event for the loop. It reports false once the loop has
// exited.
func (m *Manager) post(e loopEvent) bool {
	select {
	case <-m.stopped:
		return false
	default:
	}
	select {
	case m.events <- e:
		return true
	case <-m.stopped:
		return false
	}
}

func (m *Manager) handle(ctx context.Context, e loopEvent) {
	switch e.kind {
	case evStart, evRetry:
		m.connect(ctx)
	case evSend:
		if m.awaiting {
			m.held = append(m.held, e)
			return
		}
		e.reply <- m.send(e.data)
	case evGreet:
		e.reply <- m.send(e.data)
		m.endGreeting("sent")
	case evSkipGreet:
		m.endGreeting("skipped")
	case evGreetTimeout:
		if e.gen == m.gen && m.awaiting {
			slog.Warn("greeting snapshot timed out, releasing held sends", "held", len(m.held))
			m.endGreeting("timeout")
		}
	case evTransport:
		if e.gen != m.gen {
			slog.Debug("ignoring event from stale transport", "event", e.ev.Kind.String(), "generation", e.gen)
			return
		}
		m.onTransport(e.ev)
	}
}

func (m *Manager) connect(ctx context.Context) {
	if m.state != Disconnected {
		slog.Debug("connect ignored", "state", m.state.String())
		return
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.gen++
	gen := m.gen
	m.attempts++
	m.state = Connecting
	slog.Info("connecting to listener", "attempt", m.attempts)
	m.current = m.dialer.Open(ctx, func(ev transport.Event) {
		m.post(loopEvent{kind: evTransport, gen: gen, ev: ev})
	})
}

func (m *Manager) onTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.Opened:
		if m.state != Connecting {
			return
		}
		m.state = Connected
		m.delay = m.policy.Floor
		m.opens++
		slog.Info("connected to listener", "opens", m.opens)
		if m.greeting {
			m.awaiting = true
			gen := m.gen
			m.greetTTL = m.clock.AfterFunc(m.greetTimeout, func() {
				m.post(loopEvent{kind: evGreetTimeout, gen: gen})
			})
		}
		if m.onEstablished != nil {
			m.onEstablished()
		}
	case transport.Message:
		if m.state != Connected {
			return
		}
		slog.Debug("resync requested by listener", "bytes", len(ev.Payload))
		if m.onResync != nil {
			m.onResync()
		}
	case transport.Closed, transport.Errored:
		if m.state == Disconnected {
			return
		}
		slog.Warn("listener connection lost",
			"event", ev.Kind.String(),
			"state", m.state.String(),
			"error", ev.Err,
		)
		m.release()
		m.state = Disconnected
		m.endGreeting("connection lost")
		m.scheduleRetry()
	}
}

// scheduleRetry arms the retry timer with the current delay and then
// grows the delay for the next failure.
func (m *Manager) scheduleRetry() {
	wait := m.delay
	m.retry = m.clock.AfterFunc(wait, func() {
		m.post(loopEvent{kind: evRetry})
	})
	m.delay = m.policy.Next(m.delay)
	slog.Info("reconnect scheduled", "backoff_ms", wait.Milliseconds(), "next_backoff_ms", m.delay.Milliseconds())
}

func (m *Manager) send(data []byte) error {
	if m.state != Connected || m.current == nil {
		slog.Debug("send dropped", "state", m.state.String())
		return transport.ErrNotReady
	}
	if err := m.current.Send(data); err != nil {
		slog.Debug("send dropped", "state", m.state.String(), "error", err)
		return err
	}
	return nil
}

// endGreeting stops holding sends and flushes the held ones in arrival
// order. Once the link is gone they fail with ErrNotReady.
func (m *Manager) endGreeting(reason string) {
	if m.greetTTL != nil {
		m.greetTTL.Stop()
		m.greetTTL = nil
	}
	if !m.awaiting {
		return
	}
	m.awaiting = false
	held := m.held
	m.held = nil
	slog.Debug("greeting finished", "reason", reason, "held", len(held))
	for _, e := range held {
		e.reply <- m.send(e.data)
	}
}

func (m *Manager) release() {
	if m.current == nil {
		return
	}
	if err := m.current.Close(); err != nil {
		slog.Debug("closing transport", "error", err)
	}
	m.current = nil
}

func (m *Manager) shutdown() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.release()
	m.state = Disconnected
	m.endGreeting("shutdown")
	m.publish()
	slog.Info("connection manager stopped")
}

func (m *Manager) publish() {
	m.mu.Lock()
	m.status = Status{State: m.state, Backoff: m.delay, Attempts: m.attempts, Opens: m.opens, Held: len(m.held)}
	m.mu.Unlock()
}
