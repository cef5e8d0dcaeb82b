// Package dispatch decides when a snapshot is captured and sent. Every
// trigger produces its own capture-and-send; triggers are neither
// coalesced nor debounced and may overlap in flight. The one ordering
// rule is that a fresh connection's ConnectionEstablished snapshot is
// attempted before anything else, enforced by senders that implement
// Greeter.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tabstream/internal/clock"
	"github.com/dgnsrekt/tabstream/internal/inventory"
	"github.com/dgnsrekt/tabstream/internal/snapshot"
	"github.com/dgnsrekt/tabstream/internal/transport"
	"github.com/dgnsrekt/tabstream/internal/types"
)

// Kind identifies why a snapshot was requested.
type Kind int

const (
	Startup Kind = iota
	ExternalEvent
	Periodic
	RemoteResyncRequest
	ConnectionEstablished
)

func (k Kind) String() string {
	switch k {
	case Startup:
		return "startup"
	case ExternalEvent:
		return "external_event"
	case Periodic:
		return "periodic"
	case RemoteResyncRequest:
		return "remote_resync"
	case ConnectionEstablished:
		return "connection_established"
	default:
		return "unknown"
	}
}

// Capturer produces snapshots. *snapshot.Builder implements it.
type Capturer interface {
	Capture(ctx context.Context) (types.Snapshot, error)
}

// Sender transmits an encoded snapshot. *conn.Manager implements it.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Greeter is a Sender that holds other sends after an open until the
// connection's greeting has been attempted. *conn.Manager implements it.
type Greeter interface {
	Greet(ctx context.Context, data []byte) error
	SkipGreeting()
}

const (
	DefaultInterval = 5 * time.Second
	defaultBuffer   = 64
)

// Options configures a Dispatcher.
type Options struct {
	// Interval is the periodic safety-net capture interval. Zero means
	// DefaultInterval; negative disables the timer.
	Interval time.Duration
	Clock    clock.Clock
	// Changes feeds ExternalEvent triggers. May be nil.
	Changes <-chan inventory.Change
	// Buffer bounds the queue behind Trigger.
	Buffer int
}

// Stats counts dispatcher outcomes since start.
type Stats struct {
	Triggers       int64
	CaptureFailed  int64
	Sent           int64
	SendDropped    int64
	TriggerDropped int64
}

// Dispatcher turns triggers into snapshot sends.
type Dispatcher struct {
	capturer Capturer
	sender   Sender
	interval time.Duration
	clock    clock.Clock
	changes  <-chan inventory.Change
	triggers chan Kind
	wg       sync.WaitGroup

	// ConnectionEstablished bypasses the queue and is never dropped.
	established atomic.Bool
	wake        chan struct{}

	triggerCount   atomic.Int64
	captureFailed  atomic.Int64
	sent           atomic.Int64
	sendDropped    atomic.Int64
	triggerDropped atomic.Int64
}

// New creates a Dispatcher.
func New(capturer Capturer, sender Sender, opts Options) *Dispatcher {
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	return &Dispatcher{
		capturer: capturer,
		sender:   sender,
		interval: opts.Interval,
		clock:    opts.Clock,
		changes:  opts.Changes,
		triggers: make(chan Kind, opts.Buffer),
		wake:     make(chan struct{}, 1),
	}
}

// Trigger queues a trigger for Run. It never blocks; when the queue is
// full the trigger is dropped and counted. ConnectionEstablished is
// never dropped: it sets a pending flag that Run serves ahead of the
// queue, and repeats collapse into one capture.
func (d *Dispatcher) Trigger(kind Kind) {
	if kind == ConnectionEstablished {
		d.established.Store(true)
		select {
		case d.wake <- struct{}{}:
		default:
		}
		return
	}
	select {
	case d.triggers <- kind:
	default:
		d.triggerDropped.Add(1)
		slog.Warn("trigger queue full, dropping trigger", "trigger", kind.String())
	}
}

// Run fires a Startup trigger, then serves queued triggers, inventory
// changes and the periodic timer until ctx is cancelled. It waits for
// in-flight handlers before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	var tick <-chan time.Time
	if d.interval > 0 {
		ticker := d.clock.NewTicker(d.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	changes := d.changes

	d.spawn(ctx, Startup)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-d.wake:
			if d.established.Swap(false) {
				d.spawn(ctx, ConnectionEstablished)
			}
		case kind := <-d.triggers:
			d.spawn(ctx, kind)
		case <-tick:
			d.spawn(ctx, Periodic)
		case ch, ok := <-changes:
			if !ok {
				slog.Warn("inventory change feed closed")
				changes = nil
				continue
			}
			slog.Debug("inventory changed", "change", ch.Kind.String(), "tab_id", ch.TabID)
			d.spawn(ctx, ExternalEvent)
		}
	}
}

func (d *Dispatcher) spawn(ctx context.Context, kind Kind) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = d.Handle(ctx, kind)
	}()
}

// Handle captures a snapshot and hands it to the sender. Failures are
// logged and returned; none of them is fatal. A ConnectionEstablished
// snapshot goes out as the connection's greeting when the sender is a
// Greeter, and a failed capture releases the greeting instead.
func (d *Dispatcher) Handle(ctx context.Context, kind Kind) error {
	d.triggerCount.Add(1)
	send := d.sender.Send
	skip := func() {}
	if g, ok := d.sender.(Greeter); ok && kind == ConnectionEstablished {
		send = g.Greet
		skip = g.SkipGreeting
	}

	snap, err := d.capturer.Capture(ctx)
	if err != nil {
		skip()
		d.captureFailed.Add(1)
		slog.Warn("capture failed, skipping trigger", "trigger", kind.String(), "error", err)
		return err
	}
	data, err := snapshot.Encode(snap)
	if err != nil {
		skip()
		d.captureFailed.Add(1)
		slog.Error("encode failed, skipping trigger", "trigger", kind.String(), "error", err)
		return err
	}
	if err := send(ctx, data); err != nil {
		d.sendDropped.Add(1)
		if errors.Is(err, transport.ErrNotReady) {
			slog.Debug("listener not ready, snapshot dropped", "trigger", kind.String(), "tabs", len(snap.TabInfos))
		} else {
			slog.Warn("snapshot send failed", "trigger", kind.String(), "error", err)
		}
		return fmt.Errorf("dispatch: send %s snapshot: %w", kind, err)
	}
	d.sent.Add(1)
	slog.Debug("snapshot sent", "trigger", kind.String(), "tabs", len(snap.TabInfos), "bytes", len(data))
	return nil
}

// Stats returns the outcome counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Triggers:       d.triggerCount.Load(),
		CaptureFailed:  d.captureFailed.Load(),
		Sent:           d.sent.Load(),
		SendDropped:    d.sendDropped.Load(),
		TriggerDropped: d.triggerDropped.Load(),
	}
}
